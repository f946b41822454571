package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the knowledge-base service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Retrieve  RetrieveConfig  `yaml:"retrieve"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int           `yaml:"max_body_bytes"`
}

// PathsConfig locates the source documents and the persisted vectors.
type PathsConfig struct {
	KBDir     string `yaml:"kb_dir"`
	VectorDir string `yaml:"vector_dir"`
}

// StorageConfig selects how the vector index is persisted.
type StorageConfig struct {
	Backend     string        `yaml:"backend"` // "bolt", "json", "memory"
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // "openai", "langchain", "mock"
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	APIKey            string        `yaml:"-"`
	BaseURL           string        `yaml:"base_url"`
	Dimension         int           `yaml:"dimension"`
	BatchSize         int           `yaml:"batch_size"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 = unthrottled
}

// IndexConfig holds document ingestion and chunking configuration.
type IndexConfig struct {
	Includes      []string `yaml:"includes"`
	Excludes      []string `yaml:"excludes"`
	ChunkTokens   int      `yaml:"chunk_tokens"`
	CharsPerToken int      `yaml:"chars_per_token"`
}

// RetrieveConfig holds query configuration.
type RetrieveConfig struct {
	TopK      int           `yaml:"top_k"`
	MaxTopK   int           `yaml:"max_top_k"`
	CacheSize int           `yaml:"cache_size"` // 0 disables the query cache
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Paths: PathsConfig{
			KBDir:     "./kb",
			VectorDir: "./vectors",
		},
		Storage: StorageConfig{
			Backend:     "bolt",
			LockTimeout: time.Second,
		},
		Index: IndexConfig{
			Includes:      []string{"**/*.txt", "**/*.md"},
			Excludes:      []string{"**/.git/**", "**/node_modules/**"},
			ChunkTokens:   500,
			CharsPerToken: 4,
		},
		Retrieve: RetrieveConfig{
			TopK:      5,
			MaxTopK:   100,
			CacheSize: 256,
			CacheTTL:  5 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-large",
			APIKeyEnv: "OPENAI_API_KEY",
			BaseURL:   "https://api.openai.com/v1",
			BatchSize: 100,
			Timeout:   60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for ragkb.yaml,
// then .ragkb/config.yaml). A .env file in the directory is loaded first.
func LoadFromDir(dir string) (*Config, error) {
	LoadDotEnv(filepath.Join(dir, ".env"))

	path := filepath.Join(dir, "ragkb.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".ragkb", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return Load("")
}

// LoadDotEnv loads variables from a .env file without overriding the
// process environment. A missing file is not an error.
func LoadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// ApplyEnv overlays the recognized environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("KB_DIR"); v != "" {
		c.Paths.KBDir = v
	}
	if v := os.Getenv("VECTOR_DIR"); v != "" {
		c.Paths.VectorDir = v
	}
	if v := os.Getenv("RAGKB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if c.Embedding.APIKeyEnv != "" {
		c.Embedding.APIKey = os.Getenv(c.Embedding.APIKeyEnv)
	}
	return nil
}

// Validate checks option values that would otherwise fail deep in a command.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "bolt", "json", "memory":
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	switch c.Embedding.Provider {
	case "openai", "langchain", "mock":
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.Provider == "mock" && c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension is required for the mock provider")
	}
	if c.Retrieve.TopK <= 0 {
		return fmt.Errorf("retrieve.top_k must be positive, got %d", c.Retrieve.TopK)
	}
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IndexDBPath returns the path to the bolt index database.
func IndexDBPath(vectorDir string) string {
	return filepath.Join(vectorDir, "index.db")
}

// EnsureVectorDir ensures the vector directory exists.
func EnsureVectorDir(vectorDir string) error {
	return os.MkdirAll(vectorDir, 0755)
}
