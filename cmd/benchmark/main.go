package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ragkb/config"
	"ragkb/internal/adapter/embedding"
	"ragkb/internal/adapter/store"
	"ragkb/internal/port"
)

func main() {
	dir := flag.String("dir", ".", "Working directory holding the config and vectors")
	query := flag.String("q", "", "Query to test")
	topK := flag.Int("k", 10, "Number of results")
	runs := flag.Int("runs", 20, "Search repetitions for the latency measurement")
	flag.Parse()

	if *query == "" {
		fmt.Println("Usage: go run ./cmd/benchmark -dir . -q \"query\"")
		fmt.Println("\nReports:")
		fmt.Println("  1. Index contents (entries, dimension, model)")
		fmt.Println("  2. Semantic similarity of the top matches")
		fmt.Println("  3. Embedding and search latency")
		os.Exit(1)
	}

	if err := run(*dir, *query, *topK, *runs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run prints the report; it returns instead of exiting so the index is
// always closed.
func run(dir, query string, topK, runs int) error {
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	embedder, idx, closeIndex, err := setup(cfg, dir)
	if err != nil {
		return fmt.Errorf("semantic search not available: %w", err)
	}
	defer closeIndex()

	ctx := context.Background()

	fmt.Println("SEMANTIC SEARCH BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))

	stats := idx.Stats()
	fmt.Printf("Entries indexed: %d\n", stats.Entries)
	fmt.Printf("Model: %s (%s)\n", stats.Model, cfg.Embedding.Provider)
	fmt.Printf("Dimension: %d\n", stats.Dimension)
	fmt.Println()

	fmt.Printf("Query: \"%s\"\n", query)
	fmt.Println(strings.Repeat("-", 70))

	embedStart := time.Now()
	queryVec, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return fmt.Errorf("embedding error: %w", err)
	}
	embedElapsed := time.Since(embedStart)
	fmt.Printf("Query embedded: %d dimensions in %s\n\n", len(queryVec[0]), embedElapsed.Round(time.Millisecond))

	searchStart := time.Now()
	for i := 1; i < runs; i++ {
		if _, err := idx.Search(queryVec[0], topK); err != nil {
			return fmt.Errorf("search error: %w", err)
		}
	}
	results, err := idx.Search(queryVec[0], topK)
	if err != nil {
		return fmt.Errorf("search error: %w", err)
	}
	searchAvg := time.Since(searchStart) / time.Duration(max(runs, 1))

	if len(results) == 0 {
		fmt.Println("No matches: the index is empty.")
		return nil
	}

	fmt.Printf("Top %d semantic matches:\n\n", len(results))

	totalScore := 0.0
	for i, r := range results {
		preview := []rune(r.Entry.Metadata.Text())
		if len(preview) > 150 {
			preview = append(preview[:150], []rune("...")...)
		}

		similarity := r.Score
		totalScore += similarity

		rating := "LOW"
		if similarity > 0.7 {
			rating = "HIGH"
		} else if similarity > 0.5 {
			rating = "GOOD"
		} else if similarity > 0.3 {
			rating = "OK"
		}

		fmt.Printf("%d. [%s %.3f] %s #%d\n", i+1, rating, similarity, r.Entry.Metadata.SourceID(), r.Entry.ID)
		fmt.Printf("   %s\n\n", strings.ReplaceAll(string(preview), "\n", " "))
	}

	avgScore := totalScore / float64(len(results))
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Average similarity: %.3f\n", avgScore)
	fmt.Printf("  Top-1 similarity:   %.3f\n", results[0].Score)
	fmt.Printf("  Embed latency:      %s\n", embedElapsed.Round(time.Millisecond))
	fmt.Printf("  Search latency:     %s (avg of %d)\n", searchAvg, runs)

	if avgScore > 0.5 {
		fmt.Println("  Status: GOOD - semantic search working well")
	} else if avgScore > 0.3 {
		fmt.Println("  Status: OK - results are somewhat related")
	} else {
		fmt.Println("  Status: POOR - may need better embeddings or re-indexing")
	}
	return nil
}

func setup(cfg *config.Config, dir string) (port.Embedder, *store.VectorIndex, func(), error) {
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("embedder init failed: %w", err)
	}

	vectorDir := cfg.Paths.VectorDir
	if !filepath.IsAbs(vectorDir) {
		vectorDir = filepath.Join(dir, vectorDir)
	}
	p, err := store.OpenPersister(cfg.Storage.Backend, vectorDir, cfg.Storage.LockTimeout)
	if err != nil {
		return nil, nil, nil, err
	}
	closeIndex := func() { _ = p.Close() }

	idx, err := store.Load(context.Background(), p)
	if err != nil {
		closeIndex()
		return nil, nil, nil, fmt.Errorf("no index - run 'ragkb index' first: %w", err)
	}
	if err := store.CheckCompatibility(idx, embedder.ModelName(), embedder.Dimension()); err != nil {
		closeIndex()
		return nil, nil, nil, err
	}
	return embedder, idx, closeIndex, nil
}
