// Package config loads and validates the indexer's YAML configuration. The
// engine performs no discovery of its own: every tunable is supplied here at
// construction time.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-chainindex/pkg/chunk"
)

var validate = validator.New()

// Config is the full indexer configuration.
type Config struct {
	DataDir  string        `yaml:"data_dir" validate:"required"`
	LogLevel string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Node     NodeConfig    `yaml:"node"`
	Storage  StorageConfig `yaml:"storage"`
	HTTP     HTTPConfig    `yaml:"http"`
	Mirror   MirrorConfig  `yaml:"mirror"`
}

// NodeConfig configures the upstream chain node the ingester polls.
type NodeConfig struct {
	URL          string        `yaml:"url" validate:"omitempty,url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Confirmations is how many blocks behind the head ingestion stays to
	// avoid chasing reorgs.
	Confirmations uint64 `yaml:"confirmations"`
}

// StorageConfig configures the storage and compaction core.
type StorageConfig struct {
	// ChunkBlocks is the number of blocks folded into one immutable chunk.
	ChunkBlocks uint64 `yaml:"chunk_blocks" validate:"min=1"`
	// BloomFalsePositiveRate is the per-filter false-positive target.
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate" validate:"gt=0,lt=1"`
	// IndexedFields lists the fields chunks build bloom filters for.
	IndexedFields []string `yaml:"indexed_fields" validate:"min=1,dive,oneof=address topic"`
	// HotMemTableMB is the hot store memtable size in megabytes.
	HotMemTableMB uint64 `yaml:"hot_memtable_mb"`
	// HotCacheMB is the hot store block cache size in megabytes.
	HotCacheMB int64 `yaml:"hot_cache_mb"`
}

// HTTPConfig configures the query API server.
type HTTPConfig struct {
	Listen string `yaml:"listen" validate:"required"`
	// ResponseSizeLimitMB ends a query response early once the body
	// exceeds this many megabytes; the client resumes from next_block.
	ResponseSizeLimitMB int `yaml:"response_size_limit_mb" validate:"min=1"`
	// ResponseTimeLimit ends a query response early after this duration.
	ResponseTimeLimit time.Duration `yaml:"response_time_limit"`
}

// MirrorConfig configures the optional chunk mirror to an object store.
type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Default returns the configuration defaults applied before file values.
func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
		Node: NodeConfig{
			PollInterval:  2 * time.Second,
			Confirmations: 0,
		},
		Storage: StorageConfig{
			ChunkBlocks:            1024,
			BloomFalsePositiveRate: 0.001,
			IndexedFields:          []string{chunk.FieldAddress, chunk.FieldTopic},
			HotMemTableMB:          64,
			HotCacheMB:             128,
		},
		HTTP: HTTPConfig{
			Listen:              ":8080",
			ResponseSizeLimitMB: 50,
			ResponseTimeLimit:   5 * time.Second,
		},
	}
}

// Load reads, merges over defaults, and validates a YAML config file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags plus the cross-field rules tags can't express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: field %s fails %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		return fmt.Errorf("config: mirror.bucket is required when the mirror is enabled")
	}
	if (c.Mirror.AccessKey == "") != (c.Mirror.SecretKey == "") {
		return fmt.Errorf("config: mirror access_key and secret_key must be set together")
	}
	if c.Node.PollInterval <= 0 {
		return fmt.Errorf("config: node.poll_interval must be positive")
	}
	return nil
}

// BuildConfig returns the chunk-construction settings derived from the
// storage section.
func (c Config) BuildConfig() chunk.BuildConfig {
	return chunk.BuildConfig{
		IndexedFields:          c.Storage.IndexedFields,
		BloomFalsePositiveRate: c.Storage.BloomFalsePositiveRate,
	}
}
