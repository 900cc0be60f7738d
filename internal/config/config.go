package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"github.com/fxnlabs/accel-runtime/pkg/transport/sim"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the name of the configuration file inside the home directory.
	FileName = "config.yaml"

	LocalMemoryFallback = "fallback"
	LocalMemoryStrict   = "strict"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Metrics struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
	Runtime struct {
		Transport         string        `yaml:"transport"`
		Device            int           `yaml:"device"`
		AccessMode        string        `yaml:"accessMode"`
		LocalMemoryPolicy string        `yaml:"localMemoryPolicy"`
		AcquireTimeout    time.Duration `yaml:"acquireTimeout"`
		PanicOnLeak       bool          `yaml:"panicOnLeak"`
	} `yaml:"runtime"`
	// Platform describes the simulated devices when the sim transport is used.
	Platform *sim.Platform `yaml:"platform"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = "json"
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = "127.0.0.1:9464"
	}
	if c.Runtime.Transport == "" {
		c.Runtime.Transport = sim.Name
	}
	if c.Runtime.AccessMode == "" {
		c.Runtime.AccessMode = "exclusive"
	}
	if c.Runtime.LocalMemoryPolicy == "" {
		c.Runtime.LocalMemoryPolicy = LocalMemoryFallback
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if _, err := transport.ParseAccessMode(c.Runtime.AccessMode); err != nil {
		return fmt.Errorf("runtime.accessMode: %w", err)
	}
	switch c.Runtime.LocalMemoryPolicy {
	case LocalMemoryFallback, LocalMemoryStrict:
	default:
		return fmt.Errorf("runtime.localMemoryPolicy: must be %q or %q, got %q",
			LocalMemoryFallback, LocalMemoryStrict, c.Runtime.LocalMemoryPolicy)
	}
	if c.Runtime.Device < 0 {
		return fmt.Errorf("runtime.device: must not be negative, got %d", c.Runtime.Device)
	}
	if c.Runtime.AcquireTimeout < 0 {
		return fmt.Errorf("runtime.acquireTimeout: must not be negative, got %s", c.Runtime.AcquireTimeout)
	}
	switch c.Logger.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logger.encoding: must be json or console, got %q", c.Logger.Encoding)
	}
	if c.Platform != nil {
		if err := c.Platform.Validate(); err != nil {
			return fmt.Errorf("platform: %w", err)
		}
	}
	return nil
}

// AccessMode returns the configured lease mode.
func (c *Config) AccessMode() transport.AccessMode {
	mode, _ := transport.ParseAccessMode(c.Runtime.AccessMode)
	return mode
}

// TransportPlatform returns the platform description handed to the transport
// constructor, nil to use its default.
func (c *Config) TransportPlatform() any {
	if c.Platform == nil {
		return nil
	}
	return *c.Platform
}

// LoadConfig reads the configuration at path. A directory is taken to be a
// home directory holding config.yaml.
func LoadConfig(path string) (*Config, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &config, nil
}

// GetDefaultConfigHome returns ~/.accel, or .accel in the working directory
// when the home directory is unknown.
func GetDefaultConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".accel"
	}
	return filepath.Join(home, ".accel")
}
