package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigPath = "~/.config/subgrade/config.json"

// Config holds user-editable settings for the analyzer.
type Config struct {
	Analysis Analysis `json:"analysis"`
	Logging  Logging  `json:"logging"`
	Paths    Paths    `json:"paths"`
	Server   Server   `json:"server"`
}

// Analysis captures estimation and detection preferences.
type Analysis struct {
	// UsePixelDetection enables the pixel-level star detection pass; when
	// off (or when a frame cannot be decoded) the header-based estimates
	// are used and results are labeled approximate.
	UsePixelDetection bool    `json:"use_pixel_detection"`
	CropSize          int     `json:"crop_size"` // detection tile edge in pixels
	KSigma            float64 `json:"k_sigma"`   // detection threshold in sigmas
	// YieldMillis is the cooperative pause between frames during a batch run.
	YieldMillis int `json:"yield_millis"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Server configures the monitoring HTTP server.
type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("SUBGRADE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration back to its on-disk location so edits
// survive the session.
func (c *Config) Save() error {
	configPath := os.Getenv("SUBGRADE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

func defaultConfig() *Config {
	return &Config{
		Analysis: Analysis{
			UsePixelDetection: true,
			CropSize:          512,
			KSigma:            3.0,
			YieldMillis:       10,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "subgrade.db"),
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
