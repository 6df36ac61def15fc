package knx

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultKNXDConnection is the default knxd connection address.
const DefaultKNXDConnection = "tcp://localhost:6720"

// Config is the root configuration for the KNX bridge (spec.md §6 "KNX").
// Loaded from YAML with environment variable overrides.
type Config struct {
	Enabled  bool            `yaml:"enabled"`
	KNXD     KNXDSettings    `yaml:"knxd"`
	Mappings []MappingConfig `yaml:"mappings"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// KNXDSettings contains knxd daemon connection settings.
// These override the defaults in KNXDConfig.
//
//nolint:revive // KNXDSettings is clearer than DSettings for external use
type KNXDSettings struct {
	// Connection is the knxd connection URL.
	// Supported formats:
	//   - "unix:///run/knxd" (Unix socket)
	//   - "tcp://localhost:6720" (TCP)
	// Default: "tcp://localhost:6720"
	Connection string `yaml:"connection"`

	// ConnectTimeout is the maximum time to wait for connection (seconds).
	// Default: 10 seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout is the timeout for read operations (seconds).
	// Default: 30 seconds.
	ReadTimeout int `yaml:"read_timeout"`

	// ReconnectInterval is the delay between reconnection attempts (seconds).
	// Default: 5 seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is the log output format: json or text.
	// Default: json
	Format string `yaml:"format"`
}

// MappingConfig binds one eBUS message field to one KNX group address.
//
// Circuit and Name identify the eBUS message (as in the message catalog);
// Field names the decoded field within it, as named in the message's
// schema definition.
type MappingConfig struct {
	// Circuit is the eBUS message's circuit, e.g. "heating".
	Circuit string `yaml:"circuit"`

	// Name is the eBUS message name, e.g. "Status01".
	Name string `yaml:"name"`

	// Field is the field name within the message.
	Field string `yaml:"field"`

	// GA is the KNX group address in 3-level format (e.g., "1/2/3").
	GA string `yaml:"ga"`

	// DPT is the KNX datapoint type (e.g., "1.001", "5.001", "9.001").
	DPT string `yaml:"dpt"`

	// Flags indicate how this mapping is used.
	// Valid flags: read, write, transmit
	//   - read: bridge issues a GroupValueRead on startup
	//   - write: an incoming GroupValueWrite/Response updates the eBUS field
	//   - transmit: an eBUS cache update is published as a GroupValueWrite
	Flags []string `yaml:"flags"`
}

// HasFlag reports whether flag is present on the mapping.
func (m MappingConfig) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: EBUSD_KNX_SECTION_KEY
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		KNXD: KNXDSettings{
			Connection:        DefaultKNXDConnection,
			ConnectTimeout:    10,
			ReadTimeout:       30,
			ReconnectInterval: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Mappings: []MappingConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EBUSD_KNX_KNXD_CONNECTION"); v != "" {
		cfg.KNXD.Connection = v
	}
	if v := os.Getenv("EBUSD_KNX_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateKNXD()...)
	errs = append(errs, c.validateMappings()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateKNXD() []string {
	var errs []string
	if c.KNXD.Connection == "" {
		errs = append(errs, "knxd.connection is required")
	}
	if c.KNXD.ConnectTimeout < 1 {
		errs = append(errs, "knxd.connect_timeout must be at least 1 second")
	}
	if c.KNXD.ReadTimeout < 1 {
		errs = append(errs, "knxd.read_timeout must be at least 1 second")
	}
	return errs
}

func (c *Config) validateMappings() []string {
	var errs []string
	seen := make(map[string]bool)

	for i, m := range c.Mappings {
		if m.Circuit == "" || m.Name == "" {
			errs = append(errs, fmt.Sprintf("mappings[%d]: circuit and name are required", i))
			continue
		}
		key := m.Circuit + "." + m.Name + "." + m.Field
		if seen[key] {
			errs = append(errs, fmt.Sprintf("mappings[%d]: %s is a duplicate mapping", i, key))
		}
		seen[key] = true

		if m.GA == "" {
			errs = append(errs, fmt.Sprintf("mappings[%d].ga is required", i))
		} else if _, err := ParseGroupAddress(m.GA); err != nil {
			errs = append(errs, fmt.Sprintf("mappings[%d].ga %q is invalid: %v", i, m.GA, err))
		}

		if m.DPT == "" {
			errs = append(errs, fmt.Sprintf("mappings[%d].dpt is required", i))
		}

		for _, flag := range m.Flags {
			if flag != "read" && flag != "write" && flag != "transmit" {
				errs = append(errs, fmt.Sprintf("mappings[%d].flags contains invalid value %q", i, flag))
			}
		}
	}

	return errs
}

func (c *Config) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

// ToKNXDConfig converts bridge settings into a KNXDConfig for Connect.
func (c *Config) ToKNXDConfig() KNXDConfig {
	return KNXDConfig{
		Connection:        c.KNXD.Connection,
		ConnectTimeout:    secondsToDuration(c.KNXD.ConnectTimeout),
		ReadTimeout:       secondsToDuration(c.KNXD.ReadTimeout),
		ReconnectInterval: secondsToDuration(c.KNXD.ReconnectInterval),
	}
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
