// Package config loads the panel's YAML configuration: bus/transport
// definitions, the device roster, secure-channel keys, and the optional
// MQTT bridge, GPIO relay mirror, and HTTP server sections. Defaults are
// pre-populated before unmarshalling, the same way the teacher's
// config.Load seeds a struct literal before yaml.Unmarshal.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document.
type Config struct {
	Buses       []BusConfig       `yaml:"buses"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Relay       RelayConfig       `yaml:"relay"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// BusConfig describes one physical bus: its transport and its initial
// (pre-hot-reload) device roster.
type BusConfig struct {
	Name      string         `yaml:"name"`
	Transport TransportConfig `yaml:"transport"`
	Devices   []DeviceConfig `yaml:"devices"`
}

// TransportConfig selects and configures a transport.Connection.
type TransportConfig struct {
	Kind string `yaml:"kind"` // "serial" or "tcp"

	// serial
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`

	// tcp
	Address string `yaml:"address"`
	// Dial is loaded (default 5s) but is not passed to the transport;
	// transport.TCPConnection dials with a fixed 10s timeout.
	Dial time.Duration `yaml:"dial_timeout"`
}

// DeviceConfig describes one PD entry in a bus's roster.
type DeviceConfig struct {
	Address          uint8  `yaml:"address"`
	UseCRC           bool   `yaml:"use_crc"`
	UseSecureChannel bool   `yaml:"use_secure_channel"`
	SecureKeyHex     string `yaml:"secure_key"` // 32 hex chars, 16 bytes
}

// Key decodes SecureKeyHex into a fixed 16-byte secure channel key. An
// empty SecureKeyHex decodes to the zero key (the OSDP default install
// key use case, only meaningful when UseSecureChannel is false).
func (d DeviceConfig) Key() ([16]byte, error) {
	var key [16]byte
	if d.SecureKeyHex == "" {
		return key, nil
	}
	raw, err := hex.DecodeString(d.SecureKeyHex)
	if err != nil {
		return key, fmt.Errorf("config: device %d: decode secure_key: %w", d.Address, err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("config: device %d: secure_key must be %d bytes, got %d", d.Address, len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// DiscoveryConfig points at the hot-reloadable device roster file.
type DiscoveryConfig struct {
	RosterPath   string        `yaml:"roster_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MQTTConfig configures the optional event bridge. Empty BrokerURL
// disables the bridge entirely.
type MQTTConfig struct {
	BrokerURL    string        `yaml:"broker_url"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	TopicPrefix  string        `yaml:"topic_prefix"`
	TLSInsecure  bool          `yaml:"tls_insecure"`
	PublishQoS   byte          `yaml:"publish_qos"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// RelayConfig lists GPIO strike-relay mirrors. Empty Mirrors means the
// relay package never opens a GPIO chip.
type RelayConfig struct {
	Mirrors []RelayMirror `yaml:"mirrors"`
}

// RelayMirror ties one PD output to a local GPIO line.
type RelayMirror struct {
	BusName string `yaml:"bus"`
	Address uint8  `yaml:"address"`
	Output  uint8  `yaml:"output"`
	Chip    string `yaml:"chip"`
	Line    int    `yaml:"line"`
}

// DiagnosticsConfig controls the pty pass-through feature's defaults.
type DiagnosticsConfig struct {
	AutoAttachBuses []string `yaml:"auto_attach_buses"`
}

// ServerConfig configures the HTTP façade.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// LogConfig configures the process-wide logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Load reads and parses path, applying defaults for any field the file
// leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		Discovery: DiscoveryConfig{
			RosterPath:   "/etc/osdp-panel/roster.yaml",
			PollInterval: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix:    "osdp",
			PublishQoS:     0,
			PublishTimeout: 2 * time.Second,
		},
		Server: ServerConfig{
			ListenAddress: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i := range cfg.Buses {
		if cfg.Buses[i].Transport.Kind == "serial" && cfg.Buses[i].Transport.BaudRate == 0 {
			cfg.Buses[i].Transport.BaudRate = 9600
		}
		if cfg.Buses[i].Transport.Kind == "tcp" && cfg.Buses[i].Transport.Dial == 0 {
			cfg.Buses[i].Transport.Dial = 5 * time.Second
		}
	}

	return cfg, nil
}
