// Package config loads symbolfetcher configuration from file and
// environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/espenfjo/symbolfetcher/internal/symsrv"
	"github.com/espenfjo/symbolfetcher/internal/winscan"
)

// Config is the complete symbolfetcher configuration. It can be loaded from
// .symbolfetcher/config.yml with environment variable overrides.
type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Scan   ScanConfig   `yaml:"scan" mapstructure:"scan"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the symbol server client.
type ServerConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`                         // symbol server base URL
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`       // attempts per identifier
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"` // delay before 2nd attempt, doubles after each failure
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`                 // per-attempt HTTP timeout
}

// ScanConfig configures candidate binary discovery.
type ScanConfig struct {
	Patterns []string `yaml:"patterns" mapstructure:"patterns"` // file-name globs, matched case-insensitively
}

// OutputConfig configures where fetched symbols land.
type OutputConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`         // root of the pdbs tree
	Workers int    `yaml:"workers" mapstructure:"workers"` // concurrent downloads
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            symsrv.DefaultBaseURL,
			MaxAttempts:    symsrv.DefaultMaxAttempts,
			InitialBackoff: symsrv.DefaultInitialBackoff,
			Timeout:        symsrv.DefaultTimeout,
		},
		Scan: ScanConfig{
			Patterns: winscan.DefaultPatterns,
		},
		Output: OutputConfig{
			Dir:     "pdbs",
			Workers: 4,
		},
	}
}

// Validate checks the configuration and returns all problems found.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Server.URL == "" {
		problems = append(problems, "server.url must not be empty")
	} else if u, err := url.Parse(cfg.Server.URL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("server.url %q is not a valid URL", cfg.Server.URL))
	}
	if cfg.Server.MaxAttempts < 1 {
		problems = append(problems, "server.max_attempts must be at least 1")
	}
	if cfg.Server.InitialBackoff <= 0 {
		problems = append(problems, "server.initial_backoff must be positive")
	}
	if cfg.Server.Timeout <= 0 {
		problems = append(problems, "server.timeout must be positive")
	}
	if len(cfg.Scan.Patterns) == 0 {
		problems = append(problems, "scan.patterns must not be empty")
	}
	for _, p := range cfg.Scan.Patterns {
		if _, err := glob.Compile(strings.ToLower(p)); err != nil {
			problems = append(problems, fmt.Sprintf("scan.patterns entry %q is not a valid glob", p))
		}
	}
	if cfg.Output.Dir == "" {
		problems = append(problems, "output.dir must not be empty")
	}
	if cfg.Output.Workers < 1 {
		problems = append(problems, "output.workers must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
