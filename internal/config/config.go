// Package config loads and validates the engine configuration from TOML.
// The recognized keys are enumerated; anything else is rejected.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mootikins/crucible/internal/domain"
)

// Defaults mirrored by the zero configuration.
const (
	DefaultEventQueue   = 256
	DefaultDocQueue     = 1024
	DefaultMaxFileBytes = 10 * 1024 * 1024
	DefaultRetryQueue   = 256

	// ConflictBlockLWW is the only conflict policy defined in this version.
	ConflictBlockLWW = "block_lww"
)

// Config is the single configuration object for the engine.
type Config struct {
	Kiln      KilnConfig      `toml:"kiln"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Sync      SyncConfig      `toml:"sync"`
	Parser    ParserConfig    `toml:"parser"`
}

// KilnConfig locates the kiln.
type KilnConfig struct {
	Path string `toml:"path"`
}

// EmbeddingConfig selects the embedding provider and model.
type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

// PipelineConfig sizes the indexing pipeline.
type PipelineConfig struct {
	Workers    int `toml:"workers"`
	EventQueue int `toml:"event_queue"`
	DocQueue   int `toml:"doc_queue"`
}

// SyncConfig points at a sync peer.
type SyncConfig struct {
	ServerURL      string `toml:"server_url"`
	AuthToken      string `toml:"auth_token"`
	ConflictPolicy string `toml:"conflict_policy"`
}

// ParserConfig bounds parser input.
type ParserConfig struct {
	MaxFileBytes int `toml:"max_file_bytes"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			Workers:    runtime.NumCPU(),
			EventQueue: DefaultEventQueue,
			DocQueue:   DefaultDocQueue,
		},
		Sync: SyncConfig{
			ConflictPolicy: ConflictBlockLWW,
		},
		Parser: ParserConfig{
			MaxFileBytes: DefaultMaxFileBytes,
		},
	}
}

// Load reads a TOML configuration file, filling unset values with defaults.
// Unknown keys are rejected with a ConfigError.
func Load(path string) (Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, &domain.ConfigError{Reason: fmt.Sprintf("failed to parse %s: %v", path, err)}
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, &domain.ConfigError{
			Key:    keys[0],
			Reason: fmt.Sprintf("unknown configuration keys: %s", strings.Join(keys, ", ")),
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that hold regardless of source.
func (c *Config) Validate() error {
	if c.Kiln.Path == "" {
		return &domain.ConfigError{Key: "kiln.path", Reason: "kiln path is required"}
	}
	if c.Pipeline.Workers < 0 {
		return &domain.ConfigError{Key: "pipeline.workers", Reason: "must be non-negative"}
	}
	if c.Pipeline.EventQueue <= 0 {
		return &domain.ConfigError{Key: "pipeline.event_queue", Reason: "must be positive"}
	}
	if c.Pipeline.DocQueue <= 0 {
		return &domain.ConfigError{Key: "pipeline.doc_queue", Reason: "must be positive"}
	}
	if c.Parser.MaxFileBytes <= 0 {
		return &domain.ConfigError{Key: "parser.max_file_bytes", Reason: "must be positive"}
	}
	if c.Sync.ConflictPolicy != "" && c.Sync.ConflictPolicy != ConflictBlockLWW {
		return &domain.ConfigError{
			Key:    "sync.conflict_policy",
			Reason: fmt.Sprintf("unsupported policy %q, only %q is defined", c.Sync.ConflictPolicy, ConflictBlockLWW),
		}
	}
	if c.Embedding.Provider != "" && c.Embedding.Dimensions <= 0 {
		return &domain.ConfigError{Key: "embedding.dimensions", Reason: "required when a provider is configured"}
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = runtime.NumCPU()
	}
	return nil
}
