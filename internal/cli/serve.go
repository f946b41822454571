package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ragkb/internal/adapter/cache"
	"ragkb/internal/adapter/httpapi"
	"ragkb/internal/adapter/metrics"
	"ragkb/internal/usecase"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the embedding and query HTTP API",
	Long: `Load the persisted vector index, creating an empty one when none
exists, and serve it over HTTP:

  POST /embed    {"text": "...", "metadata": {...}}
  POST /query    {"query": "...", "k": 5}
  GET  /health
  GET  /metrics

Every accepted /embed is persisted before it is acknowledged.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default from config or PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	p, err := openPersister(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close index")
		}
	}()

	idx, err := usecase.OpenIndex(cmd.Context(), p, embedder, logger)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}

	var qc *cache.QueryCache
	if cfg.Retrieve.CacheSize > 0 {
		qc = cache.NewQueryCache(cfg.Retrieve.CacheSize, cfg.Retrieve.CacheTTL)
	}
	queries := usecase.NewQueryUseCase(idx, p, embedder, usecase.QueryOptions{
		DefaultK: cfg.Retrieve.TopK,
		MaxK:     cfg.Retrieve.MaxTopK,
		Cache:    qc,
	}, logger)

	srv := httpapi.New(httpapi.Options{
		Addr:         cfg.Addr(),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ExitWaitTime: cfg.Server.ShutdownTimeout,
	}, queries, metrics.New(), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	logger.Info().
		Str("addr", cfg.Addr()).
		Str("model", embedder.ModelName()).
		Str("index", p.Location()).
		Msg("server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
