package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ragkb/config"
	"ragkb/internal/adapter/chunker"
	"ragkb/internal/adapter/embedding"
	"ragkb/internal/adapter/fs"
	"ragkb/internal/adapter/store"
	"ragkb/internal/logging"
	"ragkb/internal/port"
	"ragkb/internal/usecase"
)

var (
	cfgFile string
	cfg     *config.Config
	rootDir string
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragkb",
	Short: "Knowledge-base embedding service with semantic search",
	Long: `ragkb embeds text into a persistent vector index and answers
similarity queries over it, either through an HTTP API or from the command line.

Example usage:
  ragkb embed-kb ./kb            # Export kb_vectors.json and kb_meta.json
  ragkb index ./kb               # Build the persistent vector index
  ragkb serve                    # Serve /embed, /query, /health and /metrics
  ragkb query -q "refund policy" # Search the index`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
		}

		if cfgFile != "" {
			config.LoadDotEnv(filepath.Join(rootDir, ".env"))
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(rootDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger = logging.New(cfg.Logging, os.Stderr)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ragkb.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "working directory (default is current directory)")
}

func GetConfig() *config.Config {
	return cfg
}

// resolvePath makes configured paths relative to the working directory.
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rootDir, p)
}

// openPersister opens the configured index backend under the vector directory.
func openPersister(cfg *config.Config) (port.IndexPersister, error) {
	vectorDir := resolvePath(cfg.Paths.VectorDir)
	if cfg.Storage.Backend != "memory" {
		if err := config.EnsureVectorDir(vectorDir); err != nil {
			return nil, fmt.Errorf("failed to create vector directory: %w", err)
		}
	}
	return store.OpenPersister(cfg.Storage.Backend, vectorDir, cfg.Storage.LockTimeout)
}

func newEmbedder(cfg *config.Config) (port.Embedder, error) {
	e, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return e, nil
}

func newIndexUseCase(cfg *config.Config, e port.Embedder) *usecase.IndexUseCase {
	return usecase.NewIndexUseCase(
		fs.NewWalker(cfg.Index.Includes, cfg.Index.Excludes),
		fs.FileReader{},
		chunker.NewSentenceChunker(cfg.Index.ChunkTokens, cfg.Index.CharsPerToken),
		e,
		cfg.Embedding.BatchSize,
		logger,
	)
}

// sourceDir picks the knowledge-base directory from args or config.
func sourceDir(cfg *config.Config, args []string) (string, error) {
	path := resolvePath(cfg.Paths.KBDir)
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return "", fmt.Errorf("invalid path: %w", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", path)
	}
	return path, nil
}
