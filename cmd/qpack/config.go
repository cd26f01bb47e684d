package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the qpack configuration file (~/.config/qpack/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Packing
	ComputeType string `yaml:"compute_type"`
	BlkLen      *int64 `yaml:"blk_len"`
	Workers     *int64 `yaml:"workers"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qpack", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyPackConfig applies config file defaults to pack variables when the
// corresponding CLI flag was not explicitly set.
func applyPackConfig(c *cli.Command, cfg Config) {
	if cfg.ComputeType != "" && !c.IsSet("compute-type") {
		computeType = cfg.ComputeType
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.BlkLen != nil && !c.IsSet("blk-len") {
		blkLen = *cfg.BlkLen
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyPackConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
