package cellmodem

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixed sizing of the modem link.
const (
	RxBufferSize   = 1024 // serial read buffer
	TxBufferSize   = 512  // largest single serial write
	EventQueueSize = 30   // network stack event queue
	DTEBufferSize  = 512  // longest AT response line
)

const (
	// DefaultBaudRate is the modem's factory UART speed.
	DefaultBaudRate = 115200
	// DefaultInterfaceName names the PPP interface.
	DefaultInterfaceName = "ppp0"
	// DefaultChip is the GPIO chip carrying the control lines.
	DefaultChip = "gpiochip0"
)

// PowerConfig locates the modem control lines.
type PowerConfig struct {
	Chip      string `yaml:"chip"`
	PowerPin  int    `yaml:"power_pin"`
	FlightPin int    `yaml:"flight_pin"`
}

// SerialConfig describes the UART the modem is attached to. TxPin and RxPin
// document the wiring; the kernel owns the pin muxing.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	TxPin    int    `yaml:"tx_pin"`
	RxPin    int    `yaml:"rx_pin"`
}

// DeviceConfig holds the data connection parameters.
type DeviceConfig struct {
	APN       string `yaml:"apn"`
	Interface string `yaml:"interface"`
}

// Config is the full controller configuration.
type Config struct {
	Power  PowerConfig  `yaml:"power"`
	Serial SerialConfig `yaml:"serial"`
	Device DeviceConfig `yaml:"device"`
}

// DefaultConfig returns a configuration with every optional field set.
// Pins are -1 (unassigned).
func DefaultConfig() Config {
	return Config{
		Power:  PowerConfig{Chip: DefaultChip, PowerPin: -1, FlightPin: -1},
		Serial: SerialConfig{BaudRate: DefaultBaudRate, TxPin: -1, RxPin: -1},
		Device: DeviceConfig{Interface: DefaultInterfaceName},
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent field.
func (c Config) Validate() error {
	var errs []error
	if c.Power.PowerPin < 0 {
		errs = append(errs, errors.New("power pin not set"))
	}
	if c.Power.FlightPin < 0 {
		errs = append(errs, errors.New("flight pin not set"))
	}
	if c.Power.PowerPin >= 0 && c.Power.PowerPin == c.Power.FlightPin {
		errs = append(errs, fmt.Errorf("power and flight share pin %d", c.Power.PowerPin))
	}
	if c.Serial.Port == "" {
		errs = append(errs, errors.New("serial port not set"))
	}
	if c.Serial.BaudRate < 0 {
		errs = append(errs, fmt.Errorf("invalid baud rate %d", c.Serial.BaudRate))
	}
	if c.Device.APN == "" {
		errs = append(errs, errors.New("apn not set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigRequired, errors.Join(errs...))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Power.Chip == "" {
		c.Power.Chip = DefaultChip
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = DefaultBaudRate
	}
	if c.Device.Interface == "" {
		c.Device.Interface = DefaultInterfaceName
	}
}
