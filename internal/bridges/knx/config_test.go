package knx

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "knx.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
logging:
  level: info
  format: json
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.KNXD.Connection != DefaultKNXDConnection {
		t.Errorf("KNXD.Connection = %q, want %q", cfg.KNXD.Connection, DefaultKNXDConnection)
	}
	if cfg.KNXD.ConnectTimeout != 10 {
		t.Errorf("KNXD.ConnectTimeout = %d, want 10", cfg.KNXD.ConnectTimeout)
	}
}

func TestLoadConfig_Mappings(t *testing.T) {
	path := writeTempConfig(t, `
enabled: true
knxd:
  connection: "tcp://localhost:6720"
mappings:
  - circuit: heating
    name: Status01
    field: value
    ga: "1/2/3"
    dpt: "9.001"
    flags: [transmit]
  - circuit: heating
    name: Setpoint
    field: value
    ga: "1/2/4"
    dpt: "9.001"
    flags: [write, read]
logging:
  level: info
  format: json
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(cfg.Mappings) != 2 {
		t.Fatalf("len(Mappings) = %d, want 2", len(cfg.Mappings))
	}
	if !cfg.Mappings[1].HasFlag("write") {
		t.Error("Mappings[1].HasFlag(write) = false, want true")
	}
	if cfg.Mappings[1].HasFlag("transmit") {
		t.Error("Mappings[1].HasFlag(transmit) = true, want false")
	}
}

func TestConfig_Validate_RejectsBadGA(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mappings = []MappingConfig{
		{Circuit: "heating", Name: "Status01", Field: "value", GA: "not-a-ga", DPT: "9.001", Flags: []string{"transmit"}},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for invalid GA")
	}
}

func TestConfig_Validate_RejectsDuplicateMapping(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mappings = []MappingConfig{
		{Circuit: "heating", Name: "Status01", Field: "value", GA: "1/2/3", DPT: "9.001", Flags: []string{"transmit"}},
		{Circuit: "heating", Name: "Status01", Field: "value", GA: "1/2/5", DPT: "9.001", Flags: []string{"transmit"}},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for duplicate mapping")
	}
}

func TestConfig_Validate_RejectsBadFlag(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mappings = []MappingConfig{
		{Circuit: "heating", Name: "Status01", Field: "value", GA: "1/2/3", DPT: "9.001", Flags: []string{"publish"}},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for invalid flag")
	}
}

func TestConfig_ToKNXDConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.KNXD.ConnectTimeout = 7

	kcfg := cfg.ToKNXDConfig()
	if kcfg.Connection != cfg.KNXD.Connection {
		t.Errorf("Connection = %q, want %q", kcfg.Connection, cfg.KNXD.Connection)
	}
	if kcfg.ConnectTimeout.Seconds() != 7 {
		t.Errorf("ConnectTimeout = %v, want 7s", kcfg.ConnectTimeout)
	}
}
