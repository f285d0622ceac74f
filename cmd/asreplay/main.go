// Package main replays Lua edit scripts against the acceleration-structure
// pipeline and reports what the scene looks like afterwards.
//
// Usage:
//
//	asreplay [flags] script.lua [script.lua ...]
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Faultbox/accelpipe/internal/accel"
	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/backend/glbackend"
	"github.com/Faultbox/accelpipe/internal/backend/soft"
	"github.com/Faultbox/accelpipe/internal/config"
	"github.com/Faultbox/accelpipe/internal/logger"
	"github.com/Faultbox/accelpipe/internal/script"
)

func main() {
	// Parse CLI flags
	config.ParseFlags()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	fileCfg := logger.FileConfig{
		Path:       cfg.Logging.LogFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	l, err := logger.New(logger.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    fileCfg,
		Console: os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	logger.Set(l)
	defer logger.Sync()

	scripts := config.Args()
	if len(scripts) == 0 {
		fmt.Fprintln(os.Stderr, "usage: asreplay [flags] script.lua [script.lua ...]")
		os.Exit(2)
	}

	if err := run(cfg, scripts); err != nil {
		logger.Error("replay failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, scripts []string) error {
	dev, err := openDevice(cfg.Backend)
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", cfg.Backend.Kind, err)
	}
	defer dev.Close()

	m, err := accel.Create(dev, accel.Options{
		MaxInstances:  cfg.Pipeline.MaxInstances,
		MaxPrimitives: cfg.Pipeline.MaxPrimitives,
		MaxLights:     cfg.Pipeline.MaxLights,
		UndoDepth:     cfg.Pipeline.UndoDepth,
		BLASPoolBytes: cfg.Pipeline.BLASPoolBytes,
		BLASAlignment: cfg.Pipeline.BLASAlignment,
	})
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}
	defer func() {
		if err := m.Destroy(); err != nil {
			logger.Warn("destroying pipeline", zap.Error(err))
		}
	}()

	r, err := script.NewRunner(m, dev, logger.Named("script"))
	if err != nil {
		return err
	}
	defer r.Close()
	r.Sync = cfg.Pipeline.Synchronous

	for _, path := range scripts {
		logger.Info("replaying", zap.String("script", path))
		if err := r.DoFile(path); err != nil {
			return err
		}
	}
	if err := m.Wait(); err != nil {
		logger.Warn("last phase failed", zap.Error(err))
	}

	s := m.Stats()
	fmt.Printf("state:        %s\n", s.State)
	fmt.Printf("tasks:        %d\n", r.Tasks)
	fmt.Printf("batches:      %d\n", s.Batches)
	fmt.Printf("instances:    %d\n", s.Instances)
	fmt.Printf("primitives:   %d\n", s.Primitives)
	fmt.Printf("lights:       %d\n", s.Lights)
	fmt.Printf("blas bytes:   %d\n", s.BLASBytes)
	fmt.Printf("undo entries: %d\n", s.UndoEntries)
	return nil
}

func openDevice(cfg config.BackendConfig) (backend.Device, error) {
	switch cfg.Kind {
	case config.BackendGL:
		d, err := glbackend.New(glbackend.Options{
			Width:    cfg.Width,
			Height:   cfg.Height,
			LeafSize: cfg.LeafSize,
			Logger:   logger.Named("gl"),
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.BackendSoft, "":
		return soft.New(soft.WithLeafSize(cfg.LeafSize)), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}
