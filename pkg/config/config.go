// Package config provides configuration loading and management for splitmice.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"splitmice/internal/models"
	"splitmice/pkg/detection"
	"splitmice/pkg/logging"
	"splitmice/pkg/microvol"
)

// Size is a fixed crop size in pixels; zero means use the detected size.
type Size struct {
	Width  int `yaml:"width" toml:"width"`
	Height int `yaml:"height" toml:"height"`
}

// IsZero reports whether no size is set.
func (s Size) IsZero() bool { return s.Width == 0 && s.Height == 0 }

// Preset holds the fixed crop sizes of one scanner setup.
type Preset struct {
	PET Size `yaml:"pet" toml:"pet"`
	CT  Size `yaml:"ct" toml:"ct"`
}

// Config represents the application configuration.
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers bounds how many scans a batch splits concurrently
		NumWorkers int `yaml:"numWorkers" toml:"num_workers"`

		// ChunkLimit caps the bytes moved per read or write call
		ChunkLimit int `yaml:"chunkLimit" toml:"chunk_limit"`

		// Scratch keeps loaded volumes in scratch files instead of memory
		Scratch bool `yaml:"scratch" toml:"scratch"`

		// ScratchDir is where scratch files go; the system temp dir when empty
		ScratchDir string `yaml:"scratchDir" toml:"scratch_dir"`
	} `yaml:"processing" toml:"processing"`

	// Detection parameters per modality
	Detection struct {
		PET detection.Config `yaml:"pet" toml:"pet"`
		CT  detection.Config `yaml:"ct" toml:"ct"`
	} `yaml:"detection" toml:"detection"`

	// Layout parameters
	Layout struct {
		// DescriptorMap renames descriptors in output names, as from:to,...
		DescriptorMap string `yaml:"descriptorMap" toml:"descriptor_map"`

		// PETSize and CTSize override the harmonized crop size
		PETSize Size `yaml:"petSize" toml:"pet_size"`
		CTSize  Size `yaml:"ctSize" toml:"ct_size"`

		// Preset names an entry of Presets; when empty a preset whose name
		// occurs in the experiment label is used
		Preset  string            `yaml:"preset" toml:"preset"`
		Presets map[string]Preset `yaml:"presets" toml:"presets"`

		// RecenterCT moves CT windows onto the mask centroid
		RecenterCT bool `yaml:"recenterCT" toml:"recenter_ct"`
	} `yaml:"layout" toml:"layout"`

	// Output parameters
	Output struct {
		// Zip bundles every cut into an archive
		Zip bool `yaml:"zip" toml:"zip"`

		// MergeZips combines a subject's container archives into one
		MergeZips bool `yaml:"mergeZips" toml:"merge_zips"`

		// Manifest is the name of the manifest written to the output directory
		Manifest string `yaml:"manifest" toml:"manifest"`

		// SaveIntermediaryResults dumps projections and masks as images
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults" toml:"save_intermediary_results"`

		// SaveSlices also dumps every slice of each scan along x, y and z
		SaveSlices bool `yaml:"saveSlices" toml:"save_slices"`

		// IntermediaryDir is where dumps go, relative to the output directory
		IntermediaryDir string `yaml:"intermediaryDir" toml:"intermediary_dir"`
	} `yaml:"output" toml:"output"`

	Logging logging.LogConfig `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.ChunkLimit = microvol.DefaultChunkLimit
	cfg.Processing.Scratch = true

	// Set default detection parameters
	cfg.Detection.PET = detection.DefaultConfig(models.PET)
	cfg.Detection.CT = detection.DefaultConfig(models.CT)

	// Set default layout parameters
	cfg.Layout.Presets = map[string]Preset{
		"nscan": {PET: Size{65, 65}, CT: Size{260, 260}},
		"mpet":  {PET: Size{43, 43}, CT: Size{172, 172}},
	}

	// Set default output parameters
	cfg.Output.Zip = true
	cfg.Output.MergeZips = true
	cfg.Output.Manifest = "manifest.yaml"
	cfg.Output.IntermediaryDir = "intermediary"

	cfg.Logging.Level = "info"

	return cfg
}

// DetectionFor returns a copy of the detection parameters for a modality.
func (c *Config) DetectionFor(m models.Modality) detection.Config {
	if m == models.CT {
		return c.Detection.CT
	}
	return c.Detection.PET
}

// SizeFor returns the fixed crop size for a modality. An explicit size wins,
// then the named preset, then the first preset whose name occurs in
// experiment.
func (c *Config) SizeFor(m models.Modality, experiment string) Size {
	pick := func(p Preset) Size {
		if m == models.CT {
			return p.CT
		}
		return p.PET
	}
	explicit := c.Layout.PETSize
	if m == models.CT {
		explicit = c.Layout.CTSize
	}
	if !explicit.IsZero() {
		return explicit
	}
	if p, ok := c.Layout.Presets[c.Layout.Preset]; ok {
		return pick(p)
	}
	// fixed order keeps the choice deterministic when several names match
	for _, name := range slices.Sorted(maps.Keys(c.Layout.Presets)) {
		if experiment != "" && strings.Contains(experiment, name) {
			return pick(c.Layout.Presets[name])
		}
	}
	return Size{}
}

// ArenaFactory returns the storage the configuration asks for.
func (c *Config) ArenaFactory() microvol.ArenaFactory {
	if c.Processing.Scratch {
		return microvol.FileArenaFactory(c.Processing.ScratchDir)
	}
	return microvol.NewHeapArena
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by
// extension. If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	// Write to file
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
