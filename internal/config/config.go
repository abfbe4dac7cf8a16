package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical defaults file. It is
// the single source of truth for default service settings.
const DefaultConfigPath = "config/density.defaults.json"

// Config represents the density service configuration. Pointer fields
// distinguish "unset" from zero values, so partial JSON configs are
// safe; the Get* methods supply defaults for unset fields.
type Config struct {
	// Counting params
	Workers             *int  `json:"workers,omitempty"`
	CollectElements     *bool `json:"collect_elements,omitempty"`
	MaxTracksPerRequest *int  `json:"max_tracks_per_request,omitempty"`

	// Run execution params
	MaxConcurrentRuns *int `json:"max_concurrent_runs,omitempty"`

	// File registration params. TrackDirs is the allow-list for .trk
	// registration paths; empty means any path is accepted.
	TrackDirs    []string `json:"track_dirs,omitempty"`
	FetchTimeout *string  `json:"fetch_timeout,omitempty"` // duration string like "30s"

	// Plot output params
	PlotOutputDir *string `json:"plot_output_dir,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyConfig returns a Config with all fields set to nil. Every Get*
// accessor then falls back to its documented default.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a fully-populated Config carrying the same
// values as the canonical defaults file.
func DefaultConfig() *Config {
	return &Config{
		Workers:             ptrInt(0),
		CollectElements:     ptrBool(false),
		MaxTracksPerRequest: ptrInt(100000),
		MaxConcurrentRuns:   ptrInt(2),
		FetchTimeout:        ptrString("30s"),
		PlotOutputDir:       ptrString("plots"),
	}
}

// LoadConfig loads a Config from a JSON file. The file must have a
// .json extension and stay under the max file size. Fields omitted from
// the JSON retain their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from
// DefaultConfigPath, searching upward from the current directory so
// package tests find it from their own directories. Panics when the
// file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/tract/monitor/
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.MaxConcurrentRuns != nil && *c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", *c.MaxConcurrentRuns)
	}
	if c.MaxTracksPerRequest != nil && *c.MaxTracksPerRequest < 1 {
		return fmt.Errorf("max_tracks_per_request must be at least 1, got %d", *c.MaxTracksPerRequest)
	}
	if c.FetchTimeout != nil && *c.FetchTimeout != "" {
		if _, err := time.ParseDuration(*c.FetchTimeout); err != nil {
			return fmt.Errorf("invalid fetch_timeout '%s': %w", *c.FetchTimeout, err)
		}
	}
	return nil
}

// GetWorkers returns the workers value or the default. Zero means one
// worker per CPU.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 0 // default: auto
	}
	return *c.Workers
}

// GetCollectElements returns the collect_elements value or the default.
func (c *Config) GetCollectElements() bool {
	if c.CollectElements == nil {
		return false // default: counts only
	}
	return *c.CollectElements
}

// GetMaxTracksPerRequest returns the max_tracks_per_request value or
// the default.
func (c *Config) GetMaxTracksPerRequest() int {
	if c.MaxTracksPerRequest == nil {
		return 100000 // default
	}
	return *c.MaxTracksPerRequest
}

// GetMaxConcurrentRuns returns the max_concurrent_runs value or the default.
func (c *Config) GetMaxConcurrentRuns() int {
	if c.MaxConcurrentRuns == nil {
		return 2 // default
	}
	return *c.MaxConcurrentRuns
}

// GetFetchTimeout parses and returns the FetchTimeout as a time.Duration.
func (c *Config) GetFetchTimeout() time.Duration {
	if c.FetchTimeout == nil || *c.FetchTimeout == "" {
		return 30 * time.Second // default
	}
	d, err := time.ParseDuration(*c.FetchTimeout)
	if err != nil {
		return 30 * time.Second // default on parse error
	}
	return d
}

// GetPlotOutputDir returns the plot_output_dir value or the default.
func (c *Config) GetPlotOutputDir() string {
	if c.PlotOutputDir == nil || *c.PlotOutputDir == "" {
		return "plots" // default
	}
	return *c.PlotOutputDir
}
