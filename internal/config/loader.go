package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader provides configuration loading capabilities.
type Loader interface {
	// Load loads configuration from file and environment variables.
	// Priority: defaults → config file → environment variables (env wins).
	Load() (*Config, error)
}

type loader struct {
	rootDir    string
	configFile string
}

// NewLoader creates a loader that searches <rootDir>/.symbolfetcher for a
// config file.
func NewLoader(rootDir string) Loader {
	return &loader{rootDir: rootDir}
}

// NewFileLoader creates a loader bound to an explicit config file path.
func NewFileLoader(configFile string) Loader {
	return &loader{configFile: configFile}
}

// Load loads configuration with the following priority (highest to lowest):
// 1. Environment variables (SYMBOLFETCHER_*)
// 2. Config file (.symbolfetcher/config.yml or an explicit --config path)
// 3. Default values
func (l *loader) Load() (*Config, error) {
	v := viper.New()

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(l.rootDir, ".symbolfetcher"))
	}

	v.SetEnvPrefix("SYMBOLFETCHER")
	v.AutomaticEnv()
	// Replace . with _ in env var names (e.g. SYMBOLFETCHER_SERVER_URL).
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind environment variables to config keys.
	v.BindEnv("server.url")
	v.BindEnv("server.max_attempts")
	v.BindEnv("server.initial_backoff")
	v.BindEnv("server.timeout")
	v.BindEnv("scan.patterns")
	v.BindEnv("output.dir")
	v.BindEnv("output.workers")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable: defaults plus environment
		// variables still make a complete configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures viper with default values.
func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.url", defaults.Server.URL)
	v.SetDefault("server.max_attempts", defaults.Server.MaxAttempts)
	v.SetDefault("server.initial_backoff", defaults.Server.InitialBackoff)
	v.SetDefault("server.timeout", defaults.Server.Timeout)
	v.SetDefault("scan.patterns", defaults.Scan.Patterns)
	v.SetDefault("output.dir", defaults.Output.Dir)
	v.SetDefault("output.workers", defaults.Output.Workers)
}
