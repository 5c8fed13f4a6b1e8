package cellmodem

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellmodem.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
power:
  power_pin: 4
  flight_pin: 25
serial:
  port: /dev/ttyUSB2
  tx_pin: 17
  rx_pin: 16
device:
  apn: iot.example
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	want := Config{
		Power:  PowerConfig{Chip: DefaultChip, PowerPin: 4, FlightPin: 25},
		Serial: SerialConfig{Port: "/dev/ttyUSB2", BaudRate: DefaultBaudRate, TxPin: 17, RxPin: 16},
		Device: DeviceConfig{APN: "iot.example", Interface: DefaultInterfaceName},
	}
	if cfg != want {
		t.Errorf("LoadConfig() = %+v, want %+v", cfg, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadConfig(missing) error = %v, want %v", err, os.ErrNotExist)
	}
	if _, err := LoadConfig(writeConfig(t, "device:\n  apm: typo\n")); err == nil {
		t.Error("LoadConfig() accepted an unknown field")
	}
	if _, err := LoadConfig(writeConfig(t, "power: [1, 2]\n")); err == nil {
		t.Error("LoadConfig() accepted a malformed document")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"Complete", func(*Config) {}, true},
		{"No power pin", func(c *Config) { c.Power.PowerPin = -1 }, false},
		{"No flight pin", func(c *Config) { c.Power.FlightPin = -1 }, false},
		{"Shared pin", func(c *Config) { c.Power.FlightPin = c.Power.PowerPin }, false},
		{"No port", func(c *Config) { c.Serial.Port = "" }, false},
		{"Negative baud", func(c *Config) { c.Serial.BaudRate = -9600 }, false},
		{"No APN", func(c *Config) { c.Device.APN = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrConfigRequired) {
				t.Errorf("Validate() error = %v, want %v", err, ErrConfigRequired)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.Power.Chip != DefaultChip || cfg.Serial.BaudRate != DefaultBaudRate || cfg.Device.Interface != DefaultInterfaceName {
		t.Errorf("applyDefaults() = %+v", cfg)
	}
}
