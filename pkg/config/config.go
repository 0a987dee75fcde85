// Package config provides configuration loading and management for segtile.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joechalfoun/semantic-segmentation-unet/pkg/tiling"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model and tiling parameters
	Inference struct {
		// ModelPath is the exported ONNX segmentation model
		ModelPath string `yaml:"modelPath"`

		// SharedLibraryPath locates the onnxruntime shared library
		SharedLibraryPath string `yaml:"sharedLibraryPath"`

		// InputName and OutputName are the tensor names in the model graph
		InputName  string `yaml:"inputName"`
		OutputName string `yaml:"outputName"`

		// Layout is the tensor layout the model expects, NHWC or NCHW
		Layout string `yaml:"layout"`

		// NumClasses is the number of classes the model predicts
		NumClasses int `yaml:"numClasses"`

		// TileSize is the network input edge length, a multiple of 32 above 64
		TileSize int `yaml:"tileSize"`

		// DeviceID selects the CUDA device; -1 runs on the CPU
		DeviceID int `yaml:"deviceID"`

		// Workers is the number of tiles classified concurrently
		Workers int `yaml:"workers"`

		// IntraOpThreads limits per-session runtime threads (0 = runtime default)
		IntraOpThreads int `yaml:"intraOpThreads"`
	} `yaml:"inference"`

	// Batch input/output parameters
	IO struct {
		InputDir       string `yaml:"inputDir"`
		OutputDir      string `yaml:"outputDir"`
		ImageExtension string `yaml:"imageExtension"`
	} `yaml:"io"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults writes normalized-input and mask previews
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where previews are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// HTTP service parameters
	Server struct {
		Addr           string `yaml:"addr"`
		Mode           string `yaml:"mode"`
		MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	} `yaml:"server"`

	// Mask cache parameters; an empty RedisAddr disables caching
	Cache struct {
		RedisAddr string        `yaml:"redisAddr"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Log struct {
		// Mode is "release" for JSON logs, anything else for console logs
		Mode string `yaml:"mode"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Inference.InputName = "input"
	cfg.Inference.OutputName = "logits"
	cfg.Inference.Layout = "NHWC"
	cfg.Inference.NumClasses = 2
	cfg.Inference.TileSize = 256
	cfg.Inference.DeviceID = -1
	cfg.Inference.Workers = 1
	cfg.Inference.IntraOpThreads = 0

	cfg.IO.ImageExtension = "tif"

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.Verbose = false

	cfg.Server.Addr = ":8080"
	cfg.Server.Mode = "release"
	cfg.Server.MaxUploadBytes = 256 << 20

	cfg.Cache.TTL = 24 * time.Hour

	cfg.Log.Mode = "debug"

	return cfg
}

// Validate checks the settings that must hold before any image is processed
func (c *Config) Validate() error {
	if err := tiling.ValidateTileSize(c.Inference.TileSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Inference.NumClasses < 1 {
		return fmt.Errorf("%w: numClasses must be at least 1, got %d", ErrInvalidConfig, c.Inference.NumClasses)
	}
	if c.Inference.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Inference.Workers)
	}
	switch c.Inference.Layout {
	case "NHWC", "NCHW":
	default:
		return fmt.Errorf("%w: unsupported layout %q", ErrInvalidConfig, c.Inference.Layout)
	}
	if strings.TrimPrefix(c.IO.ImageExtension, ".") == "" {
		return fmt.Errorf("%w: imageExtension must not be empty", ErrInvalidConfig)
	}
	return nil
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
