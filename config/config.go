// Package config holds the YAML run configuration for refit experiments.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Run is the full configuration of one fine-tuning run. Every field maps to
// a CLI flag of cmd/refit; flags win over the file.
type Run struct {
	// Data
	Root       string  `yaml:"root"`
	Data       string  `yaml:"data"`
	Download   bool    `yaml:"download"`
	SampleRate float64 `yaml:"sample_rate"`
	Workers    int     `yaml:"workers"`

	// Model
	Arch       string   `yaml:"arch"`
	Pretrained string   `yaml:"pretrained"`
	TapPoints  []string `yaml:"tap_points"`

	// Regularization
	RegType string  `yaml:"reg_type"`
	Alpha   float64 `yaml:"alpha"`
	Beta    float64 `yaml:"beta"`

	// Optimization
	BatchSize     int     `yaml:"batch_size"`
	LR            float64 `yaml:"lr"`
	LRGamma       float64 `yaml:"lr_gamma"`
	LRDecayEpochs int     `yaml:"lr_decay_epochs"`
	Momentum      float64 `yaml:"momentum"`
	WeightDecay   float64 `yaml:"wd"`
	Epochs        int     `yaml:"epochs"`
	ItersPerEpoch int     `yaml:"iters_per_epoch"`

	// Run control
	PrintFreq int    `yaml:"print_freq"`
	Seed      *int64 `yaml:"seed"`
	Log       string `yaml:"log"`
	Phase     string `yaml:"phase"`
	Serve     string `yaml:"serve"`
}

// Default returns the configuration with the stock hyperparameters.
func Default() *Run {
	return &Run{
		Root:          "data",
		Data:          "mnist",
		Download:      true,
		SampleRate:    1.0,
		Workers:       2,
		Arch:          "tinycnn",
		RegType:       "l2_sp",
		Alpha:         0.0001,
		Beta:          0.01,
		BatchSize:     32,
		LR:            0.01,
		LRGamma:       0.1,
		LRDecayEpochs: 12,
		Momentum:      0.9,
		WeightDecay:   0.0005,
		Epochs:        20,
		ItersPerEpoch: 500,
		PrintFreq:     100,
		Log:           "logs/run",
		Phase:         "train",
	}
}

// Load reads a configuration file.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists, otherwise returns defaults.
func LoadOrDefault(path string) (*Run, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the configuration to a YAML file.
func (c *Run) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects configurations that cannot start a run.
func (c *Run) Validate() error {
	switch c.Phase {
	case "train", "test":
	default:
		return fmt.Errorf("phase must be train or test, got %q", c.Phase)
	}
	switch c.RegType {
	case "l2", "l2_sp", "fea_map", "att_fea_map":
	default:
		return fmt.Errorf("unknown reg_type %q", c.RegType)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.ItersPerEpoch < 1 {
		return fmt.Errorf("iters_per_epoch must be positive, got %d", c.ItersPerEpoch)
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be in (0,1], got %v", c.SampleRate)
	}
	if c.Alpha < 0 || c.Beta < 0 {
		return fmt.Errorf("alpha and beta must be non-negative")
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be positive, got %v", c.LR)
	}
	return nil
}
