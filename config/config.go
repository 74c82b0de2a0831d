// Package config loads txnstore's runtime configuration from a YAML
// file, falling back to defaults that are sufficient to run the demo
// CLI with no file present at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything cmd/txnctl needs to wire up a disk manager,
// buffer pool, and recovery manager.
type Config struct {
	// HeapFile is the path to the on-disk page file the disk manager
	// reads and writes.
	HeapFile string
	// WALFile is the path to the append-only write-ahead log.
	WALFile string
	// BufferPoolSize is the number of page frames held in memory.
	BufferPoolSize int
	// CheckpointInterval is how often RunCheckpoints fires. Zero
	// disables the checkpoint daemon.
	CheckpointInterval time.Duration
}

// rawConfig mirrors the YAML file's shape. CheckpointInterval is
// expressed in whole seconds rather than as a duration string, since
// yaml.v3 has no built-in support for unmarshaling time.Duration.
type rawConfig struct {
	HeapFile                  *string `yaml:"heapFile"`
	WALFile                   *string `yaml:"walFile"`
	BufferPoolSize            *int    `yaml:"bufferPoolSize"`
	CheckpointIntervalSeconds *int    `yaml:"checkpointIntervalSeconds"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		HeapFile:           "txnstore.heap",
		WALFile:            "txnstore.wal",
		BufferPoolSize:     64,
		CheckpointInterval: 30 * time.Second,
	}
}

// Load reads and parses path, overlaying any fields it sets onto the
// defaults. A missing file is not an error: Load simply returns
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if raw.HeapFile != nil {
		cfg.HeapFile = *raw.HeapFile
	}
	if raw.WALFile != nil {
		cfg.WALFile = *raw.WALFile
	}
	if raw.BufferPoolSize != nil {
		cfg.BufferPoolSize = *raw.BufferPoolSize
	}
	if raw.CheckpointIntervalSeconds != nil {
		cfg.CheckpointInterval = time.Duration(*raw.CheckpointIntervalSeconds) * time.Second
	}

	if cfg.BufferPoolSize <= 0 {
		return cfg, fmt.Errorf("config: bufferPoolSize must be positive, got %d", cfg.BufferPoolSize)
	}
	return cfg, nil
}
