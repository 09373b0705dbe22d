package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Persistence backends.
const (
	BackendYAML   = "yaml"
	BackendSQLite = "sqlite"
)

// Config is the root configuration structure for the vDC host.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Host        HostConfig        `yaml:"host"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Database    DatabaseConfig    `yaml:"database"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	VDCs        []VDCConfig       `yaml:"vdcs"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HostConfig identifies this vDC host and the TCP endpoint it listens on.
type HostConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	VendorID string `yaml:"vendor_id"`

	// MAC pins the hardware address used for the host dSUID.
	// Empty means discover it from the network interfaces.
	MAC string `yaml:"mac"`
}

// PersistenceConfig selects where the registry snapshot is stored.
type PersistenceConfig struct {
	// Backend is "yaml" (single file, default) or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the snapshot file for the yaml backend.
	Path string `yaml:"path"`

	// RetryInterval is how often a failed save is retried (seconds).
	RetryInterval int `yaml:"retry_interval"`
}

// DatabaseConfig contains SQLite database settings (sqlite backend only).
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// ProtocolConfig tunes the per-connection protocol handler.
// All durations are in seconds.
type ProtocolConfig struct {
	HandshakeTimeout int `yaml:"handshake_timeout"`
	IdleTimeout      int `yaml:"idle_timeout"`
	CloseGrace       int `yaml:"close_grace"`
	ShutdownGrace    int `yaml:"shutdown_grace"`
	QueueSize        int `yaml:"queue_size"`
}

// VDCConfig describes a vDC that is ensured to exist at startup.
type VDCConfig struct {
	Name             string `yaml:"name"`
	Model            string `yaml:"model"`
	ModelUID         string `yaml:"model_uid"`
	ModelVersion     string `yaml:"model_version"`
	ImplementationID string `yaml:"implementation_id"`
}

// MQTTConfig contains MQTT broker connection settings used for announcements.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings for property history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the admin HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//  4. Validate, reporting every problem at once
//
// Environment variables follow the pattern: VDCHOST_SECTION_KEY
// For example: VDCHOST_PORT, VDCHOST_PERSISTENCE_PATH
//
// Parameters:
//   - path: YAML file to read; it must exist
//
// Returns:
//   - *Config: the merged and validated configuration
//   - error: a read, parse or validation failure
func Load(path string) (*Config, error) {
	cfg := Default()

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

// LoadOrDefault is Load, except that a missing file yields the defaults
// with environment overrides applied.
//
// Parameters:
//   - path: YAML file to read if it exists
//
// Returns:
//   - *Config: the validated configuration
//   - error: a read, parse or validation failure; never fs.ErrNotExist
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		applyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Default returns a Config with sensible defaults.
// It is also used as-is when no configuration file exists.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			Name:     "Home Assistant vDC Host",
			Address:  "127.0.0.1",
			Port:     4000,
			VendorID: "homeassistant",
		},
		Persistence: PersistenceConfig{
			Backend:       BackendYAML,
			Path:          "./data/digitalstrom_vdc.yaml",
			RetryInterval: 5,
		},
		Database: DatabaseConfig{
			Path:        "./data/vdchost.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Protocol: ProtocolConfig{
			HandshakeTimeout: 10,
			IdleTimeout:      300,
			CloseGrace:       2,
			ShutdownGrace:    5,
			QueueSize:        64,
		},
		VDCs: []VDCConfig{
			{
				Name:             "KarlKiels Homeassistant vDC",
				Model:            "Homeassistant vDC",
				ModelUID:         "KarlKielHAvDC",
				ModelVersion:     "KarlKiels Homeassistant vDC",
				ImplementationID: "x-KarlKiel-HAvDC",
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "vdchost",
			},
			QoS:         1,
			TopicPrefix: "vdchost",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VDCHOST_ADDRESS"); v != "" {
		cfg.Host.Address = v
	}
	if v := os.Getenv("VDCHOST_PORT"); v != "" {
		// Unparseable values are left for Validate to report.
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Host.Port = port
		} else {
			cfg.Host.Port = -1
		}
	}
	if v := os.Getenv("VDCHOST_MAC"); v != "" {
		cfg.Host.MAC = v
	}
	if v := os.Getenv("VDCHOST_PERSISTENCE_PATH"); v != "" {
		cfg.Persistence.Path = v
	}
	if v := os.Getenv("VDCHOST_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("VDCHOST_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VDCHOST_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VDCHOST_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("VDCHOST_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("VDCHOST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected so a broken file can be fixed in one pass.
//
// Returns:
//   - error: nil, or one error listing every problem separated by "; "
func (c *Config) Validate() error {
	var errs []string

	if c.Host.Port < 1 || c.Host.Port > 65535 {
		errs = append(errs, "host.port must be between 1 and 65535")
	}
	if c.Host.VendorID == "" {
		errs = append(errs, "host.vendor_id is required")
	}
	if c.Host.MAC != "" {
		if hw, err := net.ParseMAC(c.Host.MAC); err != nil || len(hw) != 6 {
			errs = append(errs, "host.mac must be a 6-byte hardware address (aa:bb:cc:dd:ee:ff)")
		}
	}

	switch c.Persistence.Backend {
	case BackendYAML:
		if c.Persistence.Path == "" {
			errs = append(errs, "persistence.path is required for the yaml backend")
		}
	case BackendSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("persistence.backend %q must be %q or %q",
			c.Persistence.Backend, BackendYAML, BackendSQLite))
	}

	if c.Protocol.ShutdownGrace <= 0 {
		errs = append(errs, "protocol.shutdown_grace must be positive")
	}
	if c.Protocol.HandshakeTimeout <= 0 {
		errs = append(errs, "protocol.handshake_timeout must be positive")
	}

	for i, v := range c.VDCs {
		if v.Name == "" || v.Model == "" {
			errs = append(errs, fmt.Sprintf("vdcs[%d]: name and model are required", i))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// seconds converts a config value in seconds to a Duration.
func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// HandshakeTimeoutDuration returns the protocol handshake timeout.
func (p ProtocolConfig) HandshakeTimeoutDuration() time.Duration { return seconds(p.HandshakeTimeout) }

// IdleTimeoutDuration returns the per-connection idle read timeout (0 = none).
func (p ProtocolConfig) IdleTimeoutDuration() time.Duration { return seconds(p.IdleTimeout) }

// CloseGraceDuration returns how long a closing session may drain writes.
func (p ProtocolConfig) CloseGraceDuration() time.Duration { return seconds(p.CloseGrace) }

// ShutdownGraceDuration returns the bound on listener shutdown.
func (p ProtocolConfig) ShutdownGraceDuration() time.Duration { return seconds(p.ShutdownGrace) }

// ReadDuration returns the admin API read timeout.
func (t APITimeoutConfig) ReadDuration() time.Duration { return seconds(t.Read) }

// WriteDuration returns the admin API write timeout.
func (t APITimeoutConfig) WriteDuration() time.Duration { return seconds(t.Write) }

// IdleDuration returns the admin API keep-alive idle timeout.
func (t APITimeoutConfig) IdleDuration() time.Duration { return seconds(t.Idle) }
