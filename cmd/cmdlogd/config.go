package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/cmdlog/internal/logging"
	"github.com/yanet-platform/cmdlog/internal/server"
	"github.com/yanet-platform/cmdlog/internal/store"
)

// Config is the top-level configuration for cmdlogd.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Store configures the bounded command log itself.
	Store store.Config `yaml:"store"`
	// Server configures the TCP front-end.
	Server server.Config `yaml:"server"`
}

// DefaultConfig returns the reference configuration: info-level logging,
// a capacity-10 store with a 512 byte read chunk, and a server listening
// on :9000 with backlog 1 and a 10 second timestamp interval.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Store:   store.DefaultConfig(),
		Server:  server.DefaultConfig(),
	}
}

// LoadConfig loads a Config from path, falling back to DefaultConfig when
// path is empty. Fields absent from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}
