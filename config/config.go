// Package config loads and validates the broker-bridge configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Connections []ConnectionConfig `json:"connections"`
	Logging     LogConfig          `json:"logging"`
	Metrics     MetricsConfig      `json:"metrics"`
	Router      RouterConfig       `json:"router"`
}

// ConnectionConfig is the immutable descriptor of one external broker
// connection. A changed descriptor requires a full disconnect/reconnect
// cycle; nothing in here is mutated at runtime.
type ConnectionConfig struct {
	ID            string         `json:"id"`
	Protocol      string         `json:"protocol"` // mqtt, nats or webhook
	URI           string         `json:"uri"`
	DesiredStatus string         `json:"desiredStatus"` // open or closed
	Username      string         `json:"username"`
	Password      string         `json:"password"`
	Sources       []SourceConfig `json:"sources"`
	Targets       []TargetConfig `json:"targets"`
	Mapping       string         `json:"mapping"` // mapper reference, empty = passthrough
	Timeouts      TimeoutConfig  `json:"timeouts"`
	TLS           TLSConfig      `json:"tls"`
}

// SourceConfig describes one inbound source of the connection.
type SourceConfig struct {
	Addresses     []string `json:"addresses"`
	ConsumerCount int      `json:"consumerCount"`
	Authorization []string `json:"authorization"`
}

// TargetConfig describes one outbound target of the connection.
type TargetConfig struct {
	Address       string   `json:"address"`
	Topics        []string `json:"topics"`
	Authorization []string `json:"authorization"`
}

type TimeoutConfig struct {
	Connect    string `json:"connect"`    // duration string, default 15s
	Disconnect string `json:"disconnect"` // duration string, default 15s
	Test       string `json:"test"`       // duration string, default 30s
}

type TLSConfig struct {
	Enable   bool   `json:"enable"`
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
	CAFile   string `json:"caFile"`
}

type LogConfig struct {
	Level      string `json:"level"`      // debug, info, warn, error
	OutputPath string `json:"outputPath"` // file path or "stdout"
	Encoding   string `json:"encoding"`   // json or console
	MaxSize    int    `json:"maxSize"`    // megabytes before rotation
	MaxAge     int    `json:"maxAge"`     // days to retain rotated files
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled"`
	Address        string `json:"address"`
	Path           string `json:"path"`
	UpdateInterval string `json:"updateInterval"` // duration string
}

// RouterConfig configures the pub/sub directory mapped signals are routed to.
type RouterConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subjectPrefix"`
}

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultDisconnectTimeout = 15 * time.Second
	defaultTestTimeout       = 30 * time.Second
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}

	if c.Router.SubjectPrefix == "" {
		c.Router.SubjectPrefix = "bridge.signals"
	}

	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.DesiredStatus == "" {
			conn.DesiredStatus = "open"
		}
		for j := range conn.Sources {
			if conn.Sources[j].ConsumerCount <= 0 {
				conn.Sources[j].ConsumerCount = 1
			}
		}
	}
}

// ApplyOverrides overwrites configuration values with command line flags
func (c *Config) ApplyOverrides(metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}

// ConnectTimeout returns the connect command deadline for this connection.
func (c *ConnectionConfig) ConnectTimeout() time.Duration {
	return parseDurationOr(c.Timeouts.Connect, defaultConnectTimeout)
}

// DisconnectTimeout returns the disconnect command deadline for this connection.
func (c *ConnectionConfig) DisconnectTimeout() time.Duration {
	return parseDurationOr(c.Timeouts.Disconnect, defaultDisconnectTimeout)
}

// TestTimeout returns the deadline for the whole test-connection sequence.
func (c *ConnectionConfig) TestTimeout() time.Duration {
	return parseDurationOr(c.Timeouts.Test, defaultTestTimeout)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Connections))
	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		if err := validateConnection(conn); err != nil {
			return err
		}
		if _, dup := seen[conn.ID]; dup {
			return fmt.Errorf("duplicate connection id: %s", conn.ID)
		}
		seen[conn.ID] = struct{}{}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	if cfg.Router.Enabled && cfg.Router.URL == "" {
		return fmt.Errorf("router url is required when the router is enabled")
	}

	return nil
}

func validateConnection(conn *ConnectionConfig) error {
	if conn.ID == "" {
		return fmt.Errorf("connection id is required")
	}
	switch conn.Protocol {
	case "mqtt", "nats", "webhook":
	default:
		return fmt.Errorf("connection %s: unsupported protocol: %s", conn.ID, conn.Protocol)
	}
	if conn.URI == "" {
		return fmt.Errorf("connection %s: uri is required", conn.ID)
	}
	switch conn.DesiredStatus {
	case "open", "closed":
	default:
		return fmt.Errorf("connection %s: invalid desired status: %s", conn.ID, conn.DesiredStatus)
	}
	for _, src := range conn.Sources {
		if len(src.Addresses) == 0 {
			return fmt.Errorf("connection %s: source without addresses", conn.ID)
		}
	}
	for _, tgt := range conn.Targets {
		if tgt.Address == "" {
			return fmt.Errorf("connection %s: target without address", conn.ID)
		}
	}
	if conn.TLS.Enable {
		if conn.TLS.CertFile == "" {
			return fmt.Errorf("connection %s: tls cert file is required when tls is enabled", conn.ID)
		}
		if conn.TLS.KeyFile == "" {
			return fmt.Errorf("connection %s: tls key file is required when tls is enabled", conn.ID)
		}
		if conn.TLS.CAFile == "" {
			return fmt.Errorf("connection %s: tls ca file is required when tls is enabled", conn.ID)
		}
	}
	return nil
}
