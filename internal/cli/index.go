package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ragkb/internal/usecase"
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Build the vector index from a knowledge-base directory",
	Long: `Chunk and embed every matching file under the directory and replace
the persisted vector index with the result. The previous index is kept
if any embedding call fails.

Examples:
  ragkb index            # Index paths.kb_dir from the config
  ragkb index ./docs     # Index a specific directory`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	path, err := sourceDir(cfg, args)
	if err != nil {
		return err
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	p, err := openPersister(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Printf("Scanning %s...\n", path)

	indexUC := newIndexUseCase(cfg, embedder)
	idx, result, err := indexUC.Build(cmd.Context(), path, p, newProgress("Embedding"))
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	printIndexResult("Indexing complete", result)
	fmt.Printf("  Entries:        %d\n", idx.Len())
	fmt.Printf("\nIndex stored at: %s\n", p.Location())
	return nil
}

func printIndexResult(title string, result *usecase.IndexResult) {
	fmt.Printf("\n%s:\n", title)
	fmt.Printf("  Files indexed:  %d\n", result.FilesIndexed)
	fmt.Printf("  Files empty:    %d\n", result.FilesEmpty)
	fmt.Printf("  Chunks created: %d\n", result.ChunksCreated)
	if result.Dimension > 0 {
		fmt.Printf("  Dimension:      %d\n", result.Dimension)
	}

	if len(result.Errors) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}
