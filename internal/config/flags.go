package config

import "flag"

var (
	flagConfig        = flag.String("config", "", "Path to config file (.yaml or .toml)")
	flagDebug         = flag.Bool("debug", false, "Enable debug logging")
	flagBackend       = flag.String("backend", "", "Graphics backend: soft or gl")
	flagMaxInstances  = flag.Uint("max-instances", 0, "Instance capacity")
	flagMaxPrimitives = flag.Uint("max-primitives", 0, "Primitive capacity")
	flagMaxLights     = flag.Uint("max-lights", 0, "Light capacity")
	flagUndoDepth     = flag.Int("undo-depth", 0, "Settled batches kept for undo")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// Args returns the positional arguments left after flag parsing.
func Args() []string {
	return flag.Args()
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagBackend != "" {
		cfg.Backend.Kind = *flagBackend
	}
	if *flagMaxInstances > 0 {
		cfg.Pipeline.MaxInstances = uint32(*flagMaxInstances)
	}
	if *flagMaxPrimitives > 0 {
		cfg.Pipeline.MaxPrimitives = uint32(*flagMaxPrimitives)
	}
	if *flagMaxLights > 0 {
		cfg.Pipeline.MaxLights = uint32(*flagMaxLights)
	}
	if *flagUndoDepth > 0 {
		cfg.Pipeline.UndoDepth = *flagUndoDepth
	}
}
