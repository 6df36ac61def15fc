// Package config loads and validates the daemon's configuration: YAML file,
// environment variable overrides, then validation, matching spec.md §6's
// CLI/environment variable contract.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for ebusd-go. All
// configuration is loaded from YAML and can be overridden by environment
// variables; there are no command-line overrides.
type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Scan    ScanConfig    `yaml:"scan"`
	Poll    PollConfig    `yaml:"poll"`
	Schema  SchemaConfig  `yaml:"schema"`
	TCP     TCPConfig     `yaml:"tcp"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	KNX     KNXConfig     `yaml:"knx"`
	Logging LoggingConfig `yaml:"logging"`
	Capture CaptureConfig `yaml:"capture"`
	PIDFile string        `yaml:"pid_file"`
}

// BusConfig describes how to reach the eBUS adapter.
type BusConfig struct {
	Device          string        `yaml:"device"`           // serial device path, e.g. /dev/ttyUSB0
	TCPAddr         string        `yaml:"tcp_addr"`          // host:port, mutually exclusive with Device
	OwnAddress      int           `yaml:"own_address"`       // master address this daemon arbitrates with
	ReadOnly        bool          `yaml:"read_only"`
	AcquireRetries  int           `yaml:"acquire_retries"`
	SendRetries     int           `yaml:"send_retries"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	SlaveRecvTimeout time.Duration `yaml:"slave_recv_timeout"`
	SynTimeout      time.Duration `yaml:"syn_timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// ScanConfig controls the startup scan behavior.
type ScanConfig struct {
	OnStart string `yaml:"on_start"` // "none" | "broadcast" | "full" | a hex address
	Levels  string `yaml:"levels"`
}

// PollConfig controls background polling.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SchemaConfig selects the schema source: either a local directory or an
// HTTPS base URL (spec.md §4.3's Source abstraction).
type SchemaConfig struct {
	LocalDir string `yaml:"local_dir"`
	HTTPSURL string `yaml:"https_url"`
}

// TCPConfig configures the text-line server (spec.md §6, default port
// 8888).
type TCPConfig struct {
	Port        int           `yaml:"port"`
	RateLimit   float64       `yaml:"rate_limit_per_sec"`
	RateBurst   int           `yaml:"rate_burst"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// HTTPConfig configures the optional HTTP server.
type HTTPConfig struct {
	Port     int    `yaml:"port"`
	DocRoot  string `yaml:"doc_root"`
	User     string `yaml:"user"`
	Secret   string `yaml:"secret"`
	JWTKey   string `yaml:"jwt_key"`
}

// MQTTConfig configures the optional MQTT bridge.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicBase       string `yaml:"topic_base"`
	IntegrationFile string `yaml:"integration_file"`
	QoS             int    `yaml:"qos"`
}

// KNXConfig configures the optional KNX bridge.
type KNXConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ConfigFile string `yaml:"config_file"`
	KNXDHost   string `yaml:"knxd_host"`
	KNXDPort   int    `yaml:"knxd_port"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // "stdout" or "stderr"
}

// CaptureConfig configures the optional raw-traffic capture/dump files.
type CaptureConfig struct {
	File        string `yaml:"file"`
	RawLogFile  string `yaml:"raw_log_file"`
	MaxSizeByte int64  `yaml:"max_size_bytes"`
}

// Load reads configuration from a YAML file, applies environment variable
// overrides, then validates it.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern EBUSD_<SECTION>_<KEY>, e.g.
// EBUSD_BUS_DEVICE, EBUSD_TCP_PORT (spec.md §6 "Environment variables
// EBUSD_<LOWERNAME> mirror long flags").
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			OwnAddress:       0x31,
			AcquireRetries:   3,
			SendRetries:      2,
			AcquireTimeout:   10 * time.Millisecond,
			SlaveRecvTimeout: 10 * time.Millisecond,
			SynTimeout:       60 * time.Second,
			DialTimeout:      5 * time.Second,
		},
		Scan: ScanConfig{OnStart: "none"},
		Poll: PollConfig{Interval: 10 * time.Second},
		TCP:  TCPConfig{Port: 8888, RateLimit: 20, RateBurst: 40, IdleTimeout: 0},
		HTTP: HTTPConfig{Port: 0},
		MQTT: MQTTConfig{TopicBase: "ebusd", QoS: 1},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// applyEnvOverrides applies EBUSD_<SECTION>_<KEY> environment variable
// overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EBUSD_BUS_DEVICE"); v != "" {
		cfg.Bus.Device = v
	}
	if v := os.Getenv("EBUSD_BUS_TCP_ADDR"); v != "" {
		cfg.Bus.TCPAddr = v
	}
	if v := os.Getenv("EBUSD_BUS_OWN_ADDRESS"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimPrefix(v, "0x"), 16, 16); err == nil {
			cfg.Bus.OwnAddress = int(n)
		}
	}
	if v := os.Getenv("EBUSD_BUS_READ_ONLY"); v != "" {
		cfg.Bus.ReadOnly = v == "true" || v == "1"
	}
	if v := os.Getenv("EBUSD_TCP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TCP.Port = n
		}
	}
	if v := os.Getenv("EBUSD_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv("EBUSD_HTTP_USER"); v != "" {
		cfg.HTTP.User = v
	}
	if v := os.Getenv("EBUSD_HTTP_SECRET"); v != "" {
		cfg.HTTP.Secret = v
	}
	if v := os.Getenv("EBUSD_SCHEMA_LOCAL_DIR"); v != "" {
		cfg.Schema.LocalDir = v
	}
	if v := os.Getenv("EBUSD_SCHEMA_HTTPS_URL"); v != "" {
		cfg.Schema.HTTPSURL = v
	}
	if v := os.Getenv("EBUSD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("EBUSD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("EBUSD_KNX_CONFIG_FILE"); v != "" {
		cfg.KNX.Enabled = true
		cfg.KNX.ConfigFile = v
	}
	if v := os.Getenv("EBUSD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Bus.Device == "" && c.Bus.TCPAddr == "" {
		errs = append(errs, "bus.device or bus.tcp_addr is required")
	}
	if c.Bus.OwnAddress < 0 || c.Bus.OwnAddress > 0xFF {
		errs = append(errs, "bus.own_address must be a single byte")
	}
	if c.TCP.Port < 0 || c.TCP.Port > 65535 {
		errs = append(errs, "tcp.port must be between 0 and 65535")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 0 and 65535")
	}
	if c.Schema.LocalDir == "" && c.Schema.HTTPSURL == "" {
		errs = append(errs, "schema.local_dir or schema.https_url is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt.enabled")
	}
	if c.KNX.Enabled && c.KNX.ConfigFile == "" {
		errs = append(errs, "knx.config_file is required when knx.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
