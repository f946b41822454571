package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var embedOutDir string

var embedKBCmd = &cobra.Command{
	Use:   "embed-kb [path]",
	Short: "Embed a knowledge-base directory into JSON arrays",
	Long: `Chunk and embed every matching file and write kb_vectors.json and
kb_meta.json to the vector directory. Element i of both files describes
the same chunk.

Examples:
  ragkb embed-kb                  # Read paths.kb_dir, write paths.vector_dir
  ragkb embed-kb ./kb -o ./out    # Explicit input and output directories`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEmbedKB,
}

func init() {
	rootCmd.AddCommand(embedKBCmd)
	embedKBCmd.Flags().StringVarP(&embedOutDir, "out", "o", "", "output directory (default is paths.vector_dir)")
}

func runEmbedKB(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	path, err := sourceDir(cfg, args)
	if err != nil {
		return err
	}

	outDir := resolvePath(cfg.Paths.VectorDir)
	if embedOutDir != "" {
		outDir = resolvePath(embedOutDir)
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Scanning %s...\n", path)

	result, err := newIndexUseCase(cfg, embedder).Export(cmd.Context(), path, outDir, newProgress("Embedding"))
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	printIndexResult("Embedding complete", result)
	fmt.Printf("\nVectors written to: %s\n", outDir)
	return nil
}
