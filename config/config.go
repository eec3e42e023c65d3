// Package config loads the optional gbhla.toml project configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultFilename is the project configuration looked up next to the input
// file when no --config flag is given.
const DefaultFilename = "gbhla.toml"

// Config represents the assembler project configuration
type Config struct {
	// Assembler settings
	Assembler struct {
		IncludePaths  []string `toml:"include_paths"`
		MaxExpansions int      `toml:"max_expansions"`
	} `toml:"assembler"`

	// Default output paths; command-line flags override these
	Output struct {
		Rom     string `toml:"rom"`
		Symbols string `toml:"symbols"`
	} `toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Assembler.MaxExpansions = 100000
	return cfg
}

// LoadFrom loads configuration from the specified file. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}
