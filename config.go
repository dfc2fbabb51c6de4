package kgrag

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/kgrag/llm"
	"github.com/brunobiangulo/kgrag/retrieval"
	"github.com/brunobiangulo/kgrag/router"
)

// Config holds all configuration for the kgrag engine.
type Config struct {
	// DataDir holds the database and the per-document graph files.
	// Defaults to ~/.kgrag.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// DBPath overrides the database location (default <DataDir>/kgrag.db).
	DBPath string `json:"db_path" yaml:"db_path"`

	// LLM providers
	Chat      llm.Config `json:"chat" yaml:"chat"`
	Embedding llm.Config `json:"embedding" yaml:"embedding"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// TopK is the number of chunks vector retrieval returns.
	TopK int `json:"top_k" yaml:"top_k"`

	// VectorBackend selects where vector retrieval runs: "memory" (default)
	// loads the document's embeddings once and ranks them in process,
	// "sqlite" runs a KNN query against sqlite-vec on every question.
	VectorBackend string `json:"vector_backend" yaml:"vector_backend"`

	// EmbedBatchSize is the number of chunks embedded per request.
	EmbedBatchSize int `json:"embed_batch_size" yaml:"embed_batch_size"`

	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Resolver   ResolverConfig   `json:"resolver" yaml:"resolver"`
	Router     RouterConfig     `json:"router" yaml:"router"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`

	// Lexicon overrides the KG retrieval synonym and expansion tables.
	// Empty tables use the built-in defaults.
	Lexicon retrieval.Lexicon `json:"lexicon" yaml:"lexicon"`

	// LogQueries records every Ask in the query_log table.
	LogQueries bool `json:"log_queries" yaml:"log_queries"`
}

// ExtractionConfig controls the concurrent per-chunk extraction.
type ExtractionConfig struct {
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	UnitTimeout time.Duration `json:"unit_timeout" yaml:"unit_timeout"`
}

// ResolverConfig controls entity resolution.
type ResolverConfig struct {
	// Threshold is the 0-100 fuzzy match score needed to merge names.
	Threshold int `json:"threshold" yaml:"threshold"`
	// StableOrder sorts extractions by chunk id before resolving so the
	// chosen canonical names do not depend on input order.
	StableOrder bool `json:"stable_order" yaml:"stable_order"`
}

// RouterConfig controls query routing.
type RouterConfig struct {
	Rules router.Rules `json:"rules" yaml:"rules"`
	// UsePlanner routes auto-mode questions with one LLM call that may
	// split a compound question into sub-queries.
	UsePlanner bool `json:"use_planner" yaml:"use_planner"`
}

// GenerationConfig controls answer generation.
type GenerationConfig struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TopP        float64 `json:"top_p" yaml:"top_p"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// Vector retrieval backends.
const (
	VectorBackendMemory = "memory"
	VectorBackendSQLite = "sqlite"
)

// DefaultConfig returns a Config with sensible defaults for local inference:
// chat through Ollama and 384-dimension sentence embeddings through hugot.
func DefaultConfig() Config {
	return Config{
		Chat: llm.Config{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: llm.Config{
			Provider: "hugot",
			Model:    llm.DefaultHugotModel,
		},
		EmbeddingDim:   384,
		TopK:           retrieval.DefaultTopK,
		VectorBackend:  VectorBackendMemory,
		EmbedBatchSize: 32,
		Extraction: ExtractionConfig{
			Concurrency: 3,
			UnitTimeout: 300 * time.Second,
		},
		Resolver: ResolverConfig{Threshold: 85},
		Generation: GenerationConfig{
			Temperature: 0.1,
			TopP:        0.9,
			MaxTokens:   1024,
		},
	}
}

// LoadConfig reads a YAML (or JSON) file over DefaultConfig and then
// applies KGRAG_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KGRAG_* variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("KGRAG_DATA_DIR", &c.DataDir)
	str("KGRAG_DB_PATH", &c.DBPath)
	str("KGRAG_VECTOR_BACKEND", &c.VectorBackend)
	for prefix, lc := range map[string]*llm.Config{"KGRAG_CHAT_": &c.Chat, "KGRAG_EMBEDDING_": &c.Embedding} {
		str(prefix+"PROVIDER", &lc.Provider)
		str(prefix+"MODEL", &lc.Model)
		str(prefix+"BASE_URL", &lc.BaseURL)
		str(prefix+"API_KEY", &lc.APIKey)
	}

	if v, ok := lookup("KGRAG_EMBEDDING_DIM"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: KGRAG_EMBEDDING_DIM: %v", ErrInvalidConfig, err)
		}
		c.EmbeddingDim = n
	}
	if v, ok := lookup("KGRAG_USE_PLANNER"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: KGRAG_USE_PLANNER: %v", ErrInvalidConfig, err)
		}
		c.Router.UsePlanner = b
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string
	if c.Chat.Provider == "" {
		problems = append(problems, "chat.provider is required")
	}
	if c.Embedding.Provider == "" {
		problems = append(problems, "embedding.provider is required")
	}
	if c.EmbeddingDim <= 0 {
		problems = append(problems, "embedding_dim must be positive")
	}
	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 100 {
		problems = append(problems, "resolver.threshold must be between 0 and 100")
	}
	switch c.VectorBackend {
	case "", VectorBackendMemory, VectorBackendSQLite:
	default:
		problems = append(problems, fmt.Sprintf("vector_backend %q must be memory or sqlite", c.VectorBackend))
	}
	if c.TopK < 0 {
		problems = append(problems, "top_k must not be negative")
	}
	if c.Generation.TopP < 0 || c.Generation.TopP > 1 {
		problems = append(problems, "generation.top_p must be between 0 and 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// resolveDataDir returns DataDir or ~/.kgrag, falling back to ./.kgrag.
func (c *Config) resolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kgrag"
	}
	return filepath.Join(home, ".kgrag")
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.resolveDataDir(), "kgrag.db")
}

// graphPath is where the node-link graph of docID is saved.
func (c *Config) graphPath(docID string) string {
	return filepath.Join(c.resolveDataDir(), "graphs", safeName(docID)+".json")
}

// safeName maps a document id to a file name.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
