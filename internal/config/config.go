package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meterlink/internal/model"
)

// Root configuration for the acquisition engine.
// This mirrors config/meterlink.yaml.
type Config struct {
	Meter     Connection `yaml:"meter"`
	Engine    Engine     `yaml:"engine"`
	Simulator Simulator  `yaml:"simulator"`
	Log       Log        `yaml:"log"`
	HTTP      HTTP       `yaml:"http"`
}

// Connection describes how to reach the meter. The engine treats it as read-only.
type Connection struct {
	Transport string `yaml:"transport"` // rtu | tcp
	// Port is a serial device path for rtu and host:port for tcp.
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	DataBits     int           `yaml:"data_bits"`
	StopBits     int           `yaml:"stop_bits"`
	Parity       string        `yaml:"parity"` // N | E | O, or NONE | EVEN | ODD
	SlaveID      int           `yaml:"slave_id"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Phases       int           `yaml:"phases"`     // 1 | 3
	ByteOrder    string        `yaml:"byte_order"` // ABCD | DCBA | BADC | CDAB
	// Registers overrides the built-in register map when non-empty.
	Registers []Point `yaml:"registers"`
}

// Point maps one meter register onto a Reading field.
type Point struct {
	Address   uint16  `yaml:"address"`
	Name      string  `yaml:"name"`      // reading field, e.g. voltage_l1n
	DataType  string  `yaml:"data_type"` // uint16 | int16 | uint32 | int32 | float32
	ByteOrder string  `yaml:"byte_order"`
	Scale     float64 `yaml:"scale"`
	Unit      string  `yaml:"unit"`
}

type Engine struct {
	Demo             bool          `yaml:"demo"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	HistorySize      int           `yaml:"history_size"`
}

type Simulator struct {
	Seed   int64 `yaml:"seed"`
	Phases int   `yaml:"phases"`
}

type Log struct {
	Debug      bool   `yaml:"debug"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type HTTP struct {
	Listen string `yaml:"listen"`
}

const (
	TransportRTU = "rtu"
	TransportTCP = "tcp"

	DefaultBaudRate         = 9600
	DefaultParity           = "E"
	DefaultSlaveID          = 1
	DefaultTimeout          = time.Second
	DefaultPollInterval     = 2 * time.Second
	DefaultFailureThreshold = 3
	DefaultProbeTimeout     = time.Second
	DefaultHistorySize      = 50
)

// ConfigurationError reports an invalid configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DefaultConnection returns a serial connection with all defaults applied and no port.
func DefaultConnection() Connection {
	var c Connection
	c.ApplyDefaults()
	return c
}

// Default returns a full configuration with defaults applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML file, fills defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse is Load without the file.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, &ConfigurationError{Field: "yaml", Reason: "cannot parse", Err: err}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	c.Meter.ApplyDefaults()
	if c.Engine.FailureThreshold == 0 {
		c.Engine.FailureThreshold = DefaultFailureThreshold
	}
	if c.Engine.ProbeTimeout == 0 {
		c.Engine.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Engine.HistorySize == 0 {
		c.Engine.HistorySize = DefaultHistorySize
	}
	if c.Simulator.Phases == 0 {
		c.Simulator.Phases = c.Meter.Phases
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
}

// ApplyDefaults fills zero values. Explicitly invalid values are left for Validate.
func (c *Connection) ApplyDefaults() {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportRTU
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	c.Parity = NormalizeParity(c.Parity)
	if c.Parity == "" {
		c.Parity = DefaultParity
	}
	if c.SlaveID == 0 {
		c.SlaveID = DefaultSlaveID
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Phases == 0 {
		c.Phases = 3
	}
	c.ByteOrder = strings.ToUpper(strings.TrimSpace(c.ByteOrder))
	if c.ByteOrder == "" {
		c.ByteOrder = "ABCD"
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Meter.Validate(); err != nil {
		return err
	}
	if c.Engine.FailureThreshold < 1 {
		return &ConfigurationError{Field: "engine.failure_threshold", Reason: "must be at least 1"}
	}
	if c.Engine.ProbeTimeout < 0 {
		return &ConfigurationError{Field: "engine.probe_timeout", Reason: "must not be negative"}
	}
	if c.Engine.HistorySize < 1 {
		return &ConfigurationError{Field: "engine.history_size", Reason: "must be at least 1"}
	}
	if c.Simulator.Phases != 1 && c.Simulator.Phases != 3 {
		return &ConfigurationError{Field: "simulator.phases", Reason: fmt.Sprintf("%d is not 1 or 3", c.Simulator.Phases)}
	}
	return nil
}

// Validate checks the connection. An empty port is valid: the source selector
// treats it as an unavailable meter and falls back to the simulator.
func (c Connection) Validate() error {
	switch c.Transport {
	case TransportRTU, TransportTCP:
	default:
		return &ConfigurationError{Field: "meter.transport", Reason: fmt.Sprintf("unknown transport %q", c.Transport)}
	}
	if c.PollInterval <= 0 {
		return &ConfigurationError{Field: "meter.poll_interval", Reason: "must be positive"}
	}
	if c.Timeout <= 0 {
		return &ConfigurationError{Field: "meter.timeout", Reason: "must be positive"}
	}
	switch c.Parity {
	case "N", "E", "O":
	default:
		return &ConfigurationError{Field: "meter.parity", Reason: fmt.Sprintf("unknown parity %q", c.Parity)}
	}
	if c.SlaveID < 1 || c.SlaveID > 247 {
		return &ConfigurationError{Field: "meter.slave_id", Reason: fmt.Sprintf("%d is outside 1..247", c.SlaveID)}
	}
	if c.BaudRate < 0 {
		return &ConfigurationError{Field: "meter.baud_rate", Reason: "must be positive"}
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return &ConfigurationError{Field: "meter.data_bits", Reason: fmt.Sprintf("%d is outside 5..8", c.DataBits)}
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return &ConfigurationError{Field: "meter.stop_bits", Reason: fmt.Sprintf("%d is not 1 or 2", c.StopBits)}
	}
	if c.Phases != 1 && c.Phases != 3 {
		return &ConfigurationError{Field: "meter.phases", Reason: fmt.Sprintf("%d is not 1 or 3", c.Phases)}
	}
	if !validByteOrder(c.ByteOrder) {
		return &ConfigurationError{Field: "meter.byte_order", Reason: fmt.Sprintf("unknown byte order %q", c.ByteOrder)}
	}
	seen := make(map[string]int, len(c.Registers))
	for i, p := range c.Registers {
		field := fmt.Sprintf("meter.registers[%d]", i)
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return &ConfigurationError{Field: field + ".name", Reason: "required"}
		}
		if _, ok := model.LookupField(name); !ok {
			return &ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("unknown reading field %q", p.Name)}
		}
		if j, dup := seen[name]; dup {
			return &ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("%q already mapped by meter.registers[%d]", name, j)}
		}
		seen[name] = i
		words := 2
		switch strings.ToLower(p.DataType) {
		case "uint16", "int16":
			words = 1
		case "", "uint32", "int32", "float32":
		default:
			return &ConfigurationError{Field: field + ".data_type", Reason: fmt.Sprintf("unsupported %q", p.DataType)}
		}
		if int(p.Address)+words > 65536 {
			return &ConfigurationError{Field: field + ".address", Reason: fmt.Sprintf("%d words at %d run past 65535", words, p.Address)}
		}
		if p.ByteOrder != "" && !validByteOrder(strings.ToUpper(p.ByteOrder)) {
			return &ConfigurationError{Field: field + ".byte_order", Reason: fmt.Sprintf("unknown byte order %q", p.ByteOrder)}
		}
	}
	return nil
}

// NormalizeParity maps NONE, EVEN and ODD in any case onto N, E and O.
// Anything else comes back trimmed and uppercased for Validate to judge.
func NormalizeParity(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "NONE":
		return "N"
	case "EVEN":
		return "E"
	case "ODD":
		return "O"
	}
	return s
}

func validByteOrder(s string) bool {
	switch s {
	case "ABCD", "DCBA", "BADC", "CDAB":
		return true
	}
	return false
}
