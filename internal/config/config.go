// Package config loads the pipeline, backend and logging settings.
package config

import (
	"errors"
	"fmt"
)

// Config holds all settings.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline" toml:"pipeline"`
	Backend  BackendConfig  `yaml:"backend" toml:"backend"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// PipelineConfig holds the fixed capacities of the acceleration-structure
// pipeline.
type PipelineConfig struct {
	MaxInstances  uint32 `yaml:"max_instances" toml:"max_instances"`
	MaxPrimitives uint32 `yaml:"max_primitives" toml:"max_primitives"`
	MaxLights     uint32 `yaml:"max_lights" toml:"max_lights"`
	UndoDepth     int    `yaml:"undo_depth" toml:"undo_depth"`
	BLASPoolBytes uint64 `yaml:"blas_pool_bytes" toml:"blas_pool_bytes"` // 0 sizes the pool from the capacities
	BLASAlignment uint64 `yaml:"blas_alignment" toml:"blas_alignment"`
	Synchronous   bool   `yaml:"synchronous" toml:"synchronous"` // block on every phase
}

// BackendConfig selects and tunes the graphics device.
type BackendConfig struct {
	Kind     string `yaml:"kind" toml:"kind"` // soft or gl
	LeafSize int    `yaml:"leaf_size" toml:"leaf_size"`
	Width    int    `yaml:"width" toml:"width"` // hidden context window
	Height   int    `yaml:"height" toml:"height"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	LogFile    string `yaml:"log_file" toml:"log_file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Backend kinds.
const (
	BackendSoft = "soft"
	BackendGL   = "gl"
)

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			MaxInstances:  1024,
			MaxPrimitives: 1 << 20,
			MaxLights:     4096,
			UndoDepth:     1,
			BLASAlignment: 256,
			Synchronous:   true,
		},
		Backend: BackendConfig{
			Kind:     BackendSoft,
			LeafSize: 4,
			Width:    64,
			Height:   64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Validate reports every unusable setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.MaxInstances == 0 {
		errs = append(errs, errors.New("pipeline.max_instances must be positive"))
	}
	if c.Pipeline.MaxPrimitives == 0 {
		errs = append(errs, errors.New("pipeline.max_primitives must be positive"))
	}
	if c.Pipeline.UndoDepth < 1 {
		errs = append(errs, fmt.Errorf("pipeline.undo_depth must be at least 1, got %d", c.Pipeline.UndoDepth))
	}
	if a := c.Pipeline.BLASAlignment; a != 0 && a&(a-1) != 0 {
		errs = append(errs, fmt.Errorf("pipeline.blas_alignment must be a power of two, got %d", a))
	}
	switch c.Backend.Kind {
	case BackendSoft, BackendGL:
	default:
		errs = append(errs, fmt.Errorf("backend.kind must be %q or %q, got %q", BackendSoft, BackendGL, c.Backend.Kind))
	}
	if c.Backend.LeafSize < 1 {
		errs = append(errs, fmt.Errorf("backend.leaf_size must be positive, got %d", c.Backend.LeafSize))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
