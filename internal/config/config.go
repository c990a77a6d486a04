// Package config defines the orchestrator's configuration surface: working
// directories, partitioning knobs, and dependency-check strictness modes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// BuildRoot is the root of the working copy. Classpath entries must
	// resolve inside it.
	BuildRoot string `yaml:"build_root"`

	// Workdir is the task working directory holding analysis files, classes
	// and resources output, and target-sources records.
	Workdir string `yaml:"workdir"`

	// DeleteScratch controls whether scratch analysis files are moved (and
	// the scratch tree removed at shutdown) or copied and left in place.
	DeleteScratch bool `yaml:"delete_scratch"`

	// PartitionSizeHint is roughly the number of sources per compile batch.
	// Zero means a single partition.
	PartitionSizeHint int `yaml:"partition_size_hint"`

	// Confs are the build configurations to populate the classpath for.
	Confs []string `yaml:"confs,omitempty"`

	// ChangedTargetsHeuristicLimit bounds the locally-changed-target
	// partition heuristic. Zero disables the heuristic.
	ChangedTargetsHeuristicLimit int `yaml:"changed_targets_heuristic_limit"`

	DepCheck DepCheckConfig `yaml:"dep_check,omitempty"`

	// CacheDir is an optional local artifact cache directory. Empty disables
	// caching.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// EventLog is an optional sqlite path for the build-event journal.
	EventLog string `yaml:"event_log,omitempty"`

	// MetricsListen optionally exposes a Prometheus endpoint (host:port).
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// DepCheckConfig configures the dependency analyzer. Each check is
// independently absent (disabled), warn, or fatal.
type DepCheckConfig struct {
	MissingDeps       Strictness `yaml:"missing_deps,omitempty"`
	MissingDirectDeps Strictness `yaml:"missing_direct_deps,omitempty"`
	UnnecessaryDeps   Strictness `yaml:"unnecessary_deps,omitempty"`

	// Whitelist lists target identifiers exempt from missing-dep failures.
	Whitelist []string `yaml:"whitelist,omitempty"`
}

// Enabled reports whether any dependency check is configured.
func (d DepCheckConfig) Enabled() bool {
	return d.MissingDeps.Enabled || d.MissingDirectDeps.Enabled || d.UnnecessaryDeps.Enabled
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	return &Config{
		Workdir:           ".incbuild",
		DeleteScratch:     true,
		PartitionSizeHint: 0,
		Confs:             []string{"default"},
	}
}

// Validate checks the configuration for consistency and normalizes paths.
func (c *Config) Validate() error {
	if c.BuildRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve build root: %w", err)
		}
		c.BuildRoot = wd
	}
	abs, err := filepath.Abs(c.BuildRoot)
	if err != nil {
		return fmt.Errorf("resolve build root: %w", err)
	}
	c.BuildRoot = abs

	if c.Workdir == "" {
		return fmt.Errorf("workdir must not be empty")
	}
	if !filepath.IsAbs(c.Workdir) {
		c.Workdir = filepath.Join(c.BuildRoot, c.Workdir)
	}

	if c.PartitionSizeHint < 0 {
		return fmt.Errorf("partition_size_hint must be >= 0, got %d", c.PartitionSizeHint)
	}
	if c.ChangedTargetsHeuristicLimit < 0 {
		return fmt.Errorf("changed_targets_heuristic_limit must be >= 0, got %d", c.ChangedTargetsHeuristicLimit)
	}
	if len(c.Confs) == 0 {
		c.Confs = []string{"default"}
	}
	return nil
}
