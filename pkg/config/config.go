// Package config provides configuration loading and management for labelmerge.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"labelmerge/internal/logging"
)

// Priority places one label at a rank. Lower ranks are painted first, so the
// highest rank wins a contested voxel.
type Priority struct {
	Rank  int    `yaml:"rank" toml:"rank"`
	Label string `yaml:"label" toml:"label"`
}

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Merge parameters
	Merge struct {
		// NumWorkers specifies how many goroutines split the voxel range during a merge
		NumWorkers int `yaml:"numWorkers" toml:"numWorkers"`

		// TrackOverlap enables the overlap diagnostic volume
		TrackOverlap bool `yaml:"trackOverlap" toml:"trackOverlap"`
	} `yaml:"merge" toml:"merge"`

	// Input parameters
	Input struct {
		// SegDir is searched for segmentation files when no explicit inputs are given
		SegDir string `yaml:"segDir" toml:"segDir"`

		// SegPattern is the file name pattern; %s is replaced by the label
		SegPattern string `yaml:"segPattern" toml:"segPattern"`

		// Extension of segmentation files in SegDir
		Extension string `yaml:"extension" toml:"extension"`

		// KeyFile is an optional label,name CSV used to name labels in the record
		KeyFile string `yaml:"keyFile" toml:"keyFile"`
	} `yaml:"input" toml:"input"`

	// Output parameters
	Output struct {
		// RecordFormat is json or yaml; empty picks it from the record file extension
		RecordFormat string `yaml:"recordFormat" toml:"recordFormat"`

		// PreviewDir receives PNG slices of the merged volume when set
		PreviewDir string `yaml:"previewDir" toml:"previewDir"`

		// PreviewAxis is the slicing axis for previews (x, y or z)
		PreviewAxis string `yaml:"previewAxis" toml:"previewAxis"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`

	// Log configures an optional rotating log file
	Log logging.LogConfig `yaml:"log" toml:"log"`

	// Priorities orders the labels. Labels not listed follow in input order.
	Priorities []Priority `yaml:"priorities,omitempty" toml:"priorities,omitempty"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Merge.NumWorkers = runtime.NumCPU()
	cfg.Merge.TrackOverlap = true

	cfg.Input.SegPattern = "*seg-%s"
	cfg.Input.Extension = ".nii.gz"

	cfg.Output.PreviewAxis = "z"
	cfg.Output.Verbose = false

	cfg.Log.MaxSize = 100
	cfg.Log.MaxAge = 30

	return cfg
}

// isTOML picks the file format from the extension; anything else is YAML
func isTOML(configPath string) bool {
	return strings.EqualFold(filepath.Ext(configPath), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	if isTOML(configPath) {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Merge.NumWorkers < 0 {
		return fmt.Errorf("merge.numWorkers must not be negative, got %d", c.Merge.NumWorkers)
	}
	switch strings.ToLower(c.Output.RecordFormat) {
	case "", "json", "yaml", "yml":
	default:
		return fmt.Errorf("unknown output.recordFormat %q (must be json or yaml)", c.Output.RecordFormat)
	}
	switch c.Output.PreviewAxis {
	case "", "x", "y", "z":
	default:
		return fmt.Errorf("unknown output.previewAxis %q (must be x, y or z)", c.Output.PreviewAxis)
	}
	if c.Input.SegPattern != "" && strings.Count(c.Input.SegPattern, "%s") != 1 {
		return fmt.Errorf("input.segPattern %q must contain %%s exactly once", c.Input.SegPattern)
	}

	ranks := make(map[int]string, len(c.Priorities))
	labels := make(map[string]int, len(c.Priorities))
	for _, p := range c.Priorities {
		if p.Label == "" {
			return fmt.Errorf("priority at rank %d has no label", p.Rank)
		}
		if other, found := ranks[p.Rank]; found {
			return fmt.Errorf("priority rank %d is given to both %q and %q", p.Rank, other, p.Label)
		}
		if rank, found := labels[p.Label]; found {
			return fmt.Errorf("label %q has priorities %d and %d", p.Label, rank, p.Rank)
		}
		ranks[p.Rank] = p.Label
		labels[p.Label] = p.Rank
	}
	return nil
}

// PriorityMap returns the priorities keyed by rank, or nil if none are set
func (c *Config) PriorityMap() map[int]string {
	if len(c.Priorities) == 0 {
		return nil
	}
	m := make(map[int]string, len(c.Priorities))
	for _, p := range c.Priorities {
		m[p.Rank] = p.Label
	}
	return m
}

// PriorityLabels returns the configured labels in ascending rank order
func (c *Config) PriorityLabels() []string {
	sorted := make([]Priority, len(c.Priorities))
	copy(sorted, c.Priorities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })
	labels := make([]string, len(sorted))
	for i, p := range sorted {
		labels[i] = p.Label
	}
	return labels
}
