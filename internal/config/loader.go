package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or directory.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $DESIGNEX_CONFIG_DIR, ~/.config/designex, /etc/designex, ./config.yaml
func DiscoverConfigDir() (string, error) {
	// 1. Check environment variable
	if dir := os.Getenv("DESIGNEX_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	// 2. Check user config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "designex")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	// 3. Check system config directory
	systemConfigDir := "/etc/designex"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	// 4. Fallback to single-file config in current directory
	legacyConfigPath := "./config.yaml"
	if _, err := os.Stat(legacyConfigPath); err == nil {
		return legacyConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $DESIGNEX_CONFIG_DIR, ~/.config/designex, /etc/designex, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} placeholders with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// applyDefaults fills zero-valued fields from Defaults().
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = defaults.Service.Listen
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if len(cfg.Worker.Command) == 0 {
		cfg.Worker.Command = defaults.Worker.Command
	}
	if cfg.Worker.ModelPath == "" {
		cfg.Worker.ModelPath = defaults.Worker.ModelPath
	}
	if cfg.Worker.Timeout == 0 {
		cfg.Worker.Timeout = defaults.Worker.Timeout
	}
	if cfg.Worker.MaxConcurrent == 0 {
		cfg.Worker.MaxConcurrent = defaults.Worker.MaxConcurrent
	}

	if cfg.Styles.CatalogPath == "" {
		cfg.Styles.CatalogPath = defaults.Styles.CatalogPath
	}

	if cfg.Output.Directory == "" {
		cfg.Output.Directory = defaults.Output.Directory
	}
	if cfg.Output.SweepInterval == 0 {
		cfg.Output.SweepInterval = defaults.Output.SweepInterval
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Service.Listen == "" {
		return fmt.Errorf("service.listen is required")
	}

	if len(cfg.Worker.Command) == 0 {
		return fmt.Errorf("worker.command is required")
	}
	for i, part := range cfg.Worker.Command {
		if envVarPattern.MatchString(part) {
			matches := envVarPattern.FindStringSubmatch(part)
			return fmt.Errorf("worker.command[%d]: environment variable ${%s} is not set", i, matches[1])
		}
	}
	if cfg.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive")
	}
	if cfg.Worker.MaxConcurrent < 0 {
		return fmt.Errorf("worker.max_concurrent must not be negative")
	}
	if cfg.Worker.ModelPath == "" {
		return fmt.Errorf("worker.model_path is required")
	}

	if cfg.Styles.CatalogPath == "" {
		return fmt.Errorf("styles.catalog_path is required")
	}

	if cfg.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if cfg.Output.Retention < 0 {
		return fmt.Errorf("output.retention must not be negative")
	}
	if cfg.Output.SweepInterval <= 0 {
		return fmt.Errorf("output.sweep_interval must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	return nil
}
