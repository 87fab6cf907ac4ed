package main

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lorafold/internal/device"
	"github.com/samcharles93/lorafold/internal/logger"
)

// Config is the lorafold configuration file (~/.config/lorafold/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Device  string   `yaml:"device"`
	Alpha   *float64 `yaml:"alpha"`
	Workers *int     `yaml:"workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
	MaxConcurrent *int   `yaml:"max_concurrent"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lorafold", "config.yaml")
}

// LoadConfig reads the config at path. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Device != "" {
		if _, err := device.Normalize(c.Device); err != nil {
			errs = append(errs, fmt.Errorf("device: %w", err))
		}
	}
	if c.Alpha != nil && (math.IsNaN(*c.Alpha) || math.IsInf(*c.Alpha, 0)) {
		errs = append(errs, fmt.Errorf("alpha must be finite"))
	}
	if c.Workers != nil && *c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0"))
	}
	if c.MaxConcurrent != nil && *c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be >= 1"))
	}
	if c.LogLevel != "" {
		if _, err := logger.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.LogFormat {
	case "", logger.FormatPretty, logger.FormatJSON, logger.FormatText:
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyMergeConfig fills merge settings the user did not pass as flags.
func applyMergeConfig(c *cli.Command, cfg Config, dev *string, alpha *float64, workers *int) {
	if cfg.Device != "" && !c.IsSet("device") {
		*dev = cfg.Device
	}
	if cfg.Alpha != nil && !c.IsSet("alpha") {
		*alpha = *cfg.Alpha
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxConcurrent *int, dev *string, workers *int) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		*maxConcurrent = *cfg.MaxConcurrent
	}
	if cfg.Device != "" && !c.IsSet("device") {
		*dev = cfg.Device
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}
