// Package config provides configuration loading and management for denoiseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Boundary modes for converting labelings into border pixels
const (
	// BoundaryThick marks every pixel next to a differently labeled pixel,
	// on both sides of the boundary
	BoundaryThick = "thick"

	// BoundaryInner marks only labeled pixels next to a different label
	BoundaryInner = "inner"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Training hyperparameters
	Training struct {
		// NumEpochs is the number of epochs to train
		NumEpochs int `yaml:"numEpochs"`

		// StepsPerEpoch is the number of training batches per epoch
		StepsPerEpoch int `yaml:"stepsPerEpoch"`

		// BatchSize is the number of samples per training batch
		BatchSize int `yaml:"batchSize"`

		// PatchShape is the edge length of the training patches
		PatchShape int `yaml:"patchShape"`

		// NeighborhoodRadius is the half-width of the window blind-spot
		// replacement values are drawn from
		NeighborhoodRadius int `yaml:"neighborhoodRadius"`

		// TrainDimensions is 2 for XY training, 3 for XYZ training
		TrainDimensions int `yaml:"trainDimensions"`

		// LearningRate is the initial learning rate
		LearningRate float64 `yaml:"learningRate"`

		// NetworkDepth is the depth of the U-Net, it defines the minimal
		// input shape of the exported model
		NetworkDepth int `yaml:"networkDepth"`

		// PercPix is the percentage of pixels masked per patch
		PercPix float64 `yaml:"percPix"`

		// Augment enables the 8-fold rotation/flip augmentation
		Augment bool `yaml:"augment"`

		// ValidationFraction is the share of labeled tiles moved to
		// validation when training and validation data are the same
		ValidationFraction float64 `yaml:"validationFraction"`

		// Seed seeds all random draws, 0 picks a time-based seed
		Seed uint64 `yaml:"seed"`
	} `yaml:"training"`

	// Learning rate reduction on validation plateau
	Plateau struct {
		// Factor multiplies the learning rate on a plateau
		Factor float64 `yaml:"factor"`

		// Patience is the number of epochs without improvement tolerated
		Patience int `yaml:"patience"`

		// Threshold is the minimal decrease counted as improvement
		Threshold float64 `yaml:"threshold"`

		// MinLearningRate is the lower bound for reductions
		MinLearningRate float64 `yaml:"minLearningRate"`
	} `yaml:"plateau"`

	// Reference network executor parameters
	Executor struct {
		// DenoiseWeight weighs the denoising loss against the
		// segmentation loss, the total is w*denoise + (1-w)*segment
		DenoiseWeight float64 `yaml:"denoiseWeight"`

		// MaxBatchPixels bounds the pixels of one batch, 0 is unbounded.
		// Larger batches fail as out of memory.
		MaxBatchPixels int `yaml:"maxBatchPixels"`
	} `yaml:"executor"`

	// Label conversion parameters
	Labels struct {
		// BoundaryMode is either "thick" or "inner"
		BoundaryMode string `yaml:"boundaryMode"`
	} `yaml:"labels"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Directory receives exported models and previews
		Directory string `yaml:"directory"`

		// SavePreviews writes validation preview images every epoch
		SavePreviews bool `yaml:"savePreviews"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Training.NumEpochs = 300
	cfg.Training.StepsPerEpoch = 200
	cfg.Training.BatchSize = 64
	cfg.Training.PatchShape = 64
	cfg.Training.NeighborhoodRadius = 5
	cfg.Training.TrainDimensions = 2
	cfg.Training.LearningRate = 0.0004
	cfg.Training.NetworkDepth = 4
	cfg.Training.PercPix = 1.6
	cfg.Training.Augment = true
	cfg.Training.ValidationFraction = 0.05

	cfg.Plateau.Factor = 0.5
	cfg.Plateau.Patience = 10
	cfg.Plateau.Threshold = 1e-4

	cfg.Executor.DenoiseWeight = 0.5

	cfg.Labels.BoundaryMode = BoundaryThick

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Directory = "denoiseg-models"
	cfg.Output.SavePreviews = false
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks that all values are usable for training
func (c *Config) Validate() error {
	t := c.Training
	switch {
	case t.NumEpochs <= 0:
		return fmt.Errorf("numEpochs must be positive, got %d", t.NumEpochs)
	case t.StepsPerEpoch <= 0:
		return fmt.Errorf("stepsPerEpoch must be positive, got %d", t.StepsPerEpoch)
	case t.BatchSize <= 0:
		return fmt.Errorf("batchSize must be positive, got %d", t.BatchSize)
	case t.PatchShape <= 0:
		return fmt.Errorf("patchShape must be positive, got %d", t.PatchShape)
	case t.NeighborhoodRadius < 0:
		return fmt.Errorf("neighborhoodRadius must not be negative, got %d", t.NeighborhoodRadius)
	case t.TrainDimensions != 2 && t.TrainDimensions != 3:
		return fmt.Errorf("trainDimensions must be 2 or 3, got %d", t.TrainDimensions)
	case t.LearningRate <= 0:
		return fmt.Errorf("learningRate must be positive, got %g", t.LearningRate)
	case t.PercPix <= 0 || t.PercPix > 100:
		return fmt.Errorf("percPix must be in (0, 100], got %g", t.PercPix)
	case t.ValidationFraction < 0 || t.ValidationFraction >= 1:
		return fmt.Errorf("validationFraction must be in [0, 1), got %g", t.ValidationFraction)
	}
	if c.Plateau.Factor <= 0 || c.Plateau.Factor >= 1 {
		return fmt.Errorf("plateau factor must be in (0, 1), got %g", c.Plateau.Factor)
	}
	if c.Plateau.Patience <= 0 {
		return fmt.Errorf("plateau patience must be positive, got %d", c.Plateau.Patience)
	}
	if c.Executor.DenoiseWeight < 0 || c.Executor.DenoiseWeight > 1 {
		return fmt.Errorf("denoise weight must be in [0, 1], got %g", c.Executor.DenoiseWeight)
	}
	if c.Executor.MaxBatchPixels < 0 {
		return fmt.Errorf("maxBatchPixels must not be negative, got %d", c.Executor.MaxBatchPixels)
	}
	if c.Labels.BoundaryMode != BoundaryThick && c.Labels.BoundaryMode != BoundaryInner {
		return fmt.Errorf("unknown boundary mode %q", c.Labels.BoundaryMode)
	}
	return nil
}

// ResolvedSeed returns the configured seed, or a time-based one when the
// configured seed is 0
func (c *Config) ResolvedSeed() uint64 {
	if c.Training.Seed != 0 {
		return c.Training.Seed
	}
	return uint64(time.Now().UnixNano())
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if cfg.Processing.NumCores <= 0 {
		cfg.Processing.NumCores = runtime.NumCPU()
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
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
