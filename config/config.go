// Package config contains chatmesh configuration definitions.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/chatmesh/go-chatmesh/common/types"
)

const (
	defaultConfigFileName = "./config.toml"
	defaultDataDirName    = "chatmesh"
)

// Config defines the top level configuration for a chatmesh node.
type Config struct {
	BaseConfig `mapstructure:"main"`
	Seed       SeedConfig `mapstructure:"seed"`
}

// BaseConfig defines the default configuration options.
type BaseConfig struct {
	DataDirParent string `mapstructure:"data-folder"`
	ConfigFile    string `mapstructure:"config"`
	FileLock      string `mapstructure:"filelock"`
	LogLevel      string `mapstructure:"log-level"`
}

// SeedConfig is the per-namespace seeding policy, consulted once when a
// scope is first observed empty.
type SeedConfig struct {
	// AutoCreateFullHole maps a namespace number (keys are strings per
	// the config format) to whether the scope gets an implicit full
	// hole on first touch.
	AutoCreateFullHole map[string]bool `mapstructure:"auto-create-full-hole"`
}

// Policy parses the seeding map into namespace keys.
func (c SeedConfig) Policy() (map[types.Namespace]bool, error) {
	out := make(map[types.Namespace]bool, len(c.AutoCreateFullHole))
	for k, v := range c.AutoCreateFullHole {
		ns, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("seed policy: namespace %q: %w", k, err)
		}
		out[types.Namespace(ns)] = v
	}
	return out, nil
}

// DataDir returns the absolute path to use for the node's data.
func (cfg *Config) DataDir() string {
	abs, err := filepath.Abs(cfg.DataDirParent)
	if err != nil {
		return cfg.DataDirParent
	}
	return abs
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseConfig: BaseConfig{
			DataDirParent: defaultDataDirName,
			ConfigFile:    defaultConfigFileName,
			FileLock:      filepath.Join(defaultDataDirName, "chatmesh.lock"),
			LogLevel:      "info",
		},
		Seed: SeedConfig{
			AutoCreateFullHole: map[string]bool{},
		},
	}
}

// LoadConfig reads the config file into vip.
func LoadConfig(fileLocation string, vip *viper.Viper) error {
	if fileLocation == "" {
		fileLocation = defaultConfigFileName
	}
	vip.SetConfigFile(fileLocation)
	if err := vip.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Unmarshal overlays the values read by vip onto cfg.
func (cfg *Config) Unmarshal(vip *viper.Viper) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
