package config

import "time"

// Config represents the complete designex configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Worker  WorkerConfig  `yaml:"worker"`
	Styles  StylesConfig  `yaml:"styles"`
	Output  OutputConfig  `yaml:"output"`
	State   StateConfig   `yaml:"state"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

// WorkerConfig defines how the external segmentation/styling worker is invoked.
type WorkerConfig struct {
	// Command is the worker executable plus any leading arguments,
	// e.g. ["python3", "scripts/seg.py"].
	Command []string `yaml:"command"`
	// ModelPath is passed to the worker as --model.
	ModelPath string `yaml:"model_path"`
	// Timeout bounds a single worker execution.
	Timeout time.Duration `yaml:"timeout"`
	// MaxConcurrent caps the number of simultaneously running worker
	// processes. Requests beyond the cap are rejected, not queued.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// StylesConfig defines the style catalog source.
type StylesConfig struct {
	// CatalogPath is the style library JSON file, also passed to the
	// worker as --style_library.
	CatalogPath string `yaml:"catalog_path"`
}

// OutputConfig defines where generated artifacts live and how long they are kept.
type OutputConfig struct {
	Directory string `yaml:"directory"`
	// Retention is how long generated artifacts are kept before the
	// sweeper removes them. Zero disables sweeping.
	Retention time.Duration `yaml:"retention"`
	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StateConfig defines the artifact ledger location.
type StateConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "designex",
			Listen:   "127.0.0.1:8080",
			LogLevel: "info",
		},
		Worker: WorkerConfig{
			Command:       []string{"python3", "scripts/seg.py"},
			ModelPath:     "./models/sam_vit_h.pth",
			Timeout:       5 * time.Minute,
			MaxConcurrent: 4,
		},
		Styles: StylesConfig{
			CatalogPath: "./config/style_library.json",
		},
		Output: OutputConfig{
			Directory:     "./data/output",
			Retention:     0,
			SweepInterval: 1 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
	}
}
