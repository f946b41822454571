package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ragkb/internal/adapter/store"
	"ragkb/internal/domain"
	"ragkb/internal/usecase"
)

var (
	queryText string
	queryTopK int
	queryJSON bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search the vector index",
	Long: `Embed the query and print the most similar entries of the persisted index.

Examples:
  ragkb query -q "refund policy"
  ragkb query -q "shipping times" -k 10 --json`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "search query (required)")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.MarkFlagRequired("query")
}

type queryOutput struct {
	ID       uint64          `json:"id"`
	Score    float64         `json:"score"`
	SourceID string          `json:"source_id"`
	Text     string          `json:"text"`
	Metadata domain.Metadata `json:"metadata"`
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	p, err := openPersister(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	idx, err := store.Load(cmd.Context(), p)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("no index found. Run 'ragkb index' first")
	}
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	if err := store.CheckCompatibility(idx, embedder.ModelName(), embedder.Dimension()); err != nil {
		return err
	}

	queryUC := usecase.NewQueryUseCase(idx, p, embedder, usecase.QueryOptions{
		DefaultK: cfg.Retrieve.TopK,
		MaxK:     cfg.Retrieve.MaxTopK,
	}, logger)

	results, err := queryUC.Answer(cmd.Context(), queryText, queryTopK)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	out := make([]queryOutput, len(results))
	for i, r := range results {
		out[i] = queryOutput{
			ID:       r.Entry.ID,
			Score:    r.Score,
			SourceID: r.Entry.Metadata.SourceID(),
			Text:     r.Entry.Metadata.Text(),
			Metadata: r.Entry.Metadata,
		}
	}

	if queryJSON {
		output, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(out) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	fmt.Printf("Found %d results for: %s\n\n", len(out), queryText)
	for i, r := range out {
		fmt.Printf("--- [%d] %s #%d (score: %.3f) ---\n", i+1, r.SourceID, r.ID, r.Score)
		text := []rune(r.Text)
		if len(text) > 500 {
			text = append(text[:500], []rune("...")...)
		}
		fmt.Println(string(text))
		fmt.Println()
	}
	return nil
}
