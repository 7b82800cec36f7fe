// Package config holds the immutable configuration surface for the mesh
// core (spec §6 "Configuration surface") and builds the logger every
// component is handed at construction time.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs recognized by the mesh core. It is
// loaded once at startup and passed by value/pointer into the supervisor;
// nothing in this module reads a package-level global.
type Config struct {
	LogLevel logrus.Level `yaml:"log_level"`

	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	Message    MessageConfig    `yaml:"message"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Security   SecurityConfig   `yaml:"security"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

// BluetoothConfig groups the BLE profile and timing knobs from spec §6.
type BluetoothConfig struct {
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`

	MaxConcurrentConnections int `yaml:"max_concurrent_connections"`

	ConnectionTimeout      time.Duration `yaml:"connection_timeout"`
	MaxReconnectAttempts   int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay         time.Duration `yaml:"reconnect_delay"`
	DeviceLostThreshold    time.Duration `yaml:"device_lost_threshold"`
	ConnectionBlacklistDur time.Duration `yaml:"connection_blacklist_duration"`
	ScannerStartTimeout    time.Duration `yaml:"scanner_start_timeout"`
	ScannerStopTimeout     time.Duration `yaml:"scanner_stop_timeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`

	HealthScoreCritical float64 `yaml:"health_score_critical"`
	HealthScoreWarning  float64 `yaml:"health_score_warning"`
	HealthScoreGood     float64 `yaml:"health_score_good"`
}

// MessageConfig groups the message-size and cache knobs from spec §3/§4.3.
type MessageConfig struct {
	MaxMessageSize   int           `yaml:"max_message_size"`
	MaxContentLength int           `yaml:"max_content_length"`
	MessageTTL       int           `yaml:"message_ttl"`
	CacheSize        int           `yaml:"cache_size"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig groups the sliding-window caps from spec §4.4.
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	PerConnection int  `yaml:"per_connection"`
	PerDevice     int  `yaml:"per_device"`
	Global        int  `yaml:"global"`
}

// SecurityConfig groups sanitizer knobs from spec §4.1.
type SecurityConfig struct {
	EnableInputSanitization bool     `yaml:"enable_input_sanitization"`
	BlockedPatterns         []string `yaml:"blocked_patterns"`
}

// DiscoveryConfig groups the adaptive-interval knobs from spec §4.7.
type DiscoveryConfig struct {
	ScanTimeout          time.Duration `yaml:"scan_timeout"`
	IntervalInitial      time.Duration `yaml:"interval_initial"`
	IntervalModerate     time.Duration `yaml:"interval_moderate"`
	IntervalStable       time.Duration `yaml:"interval_stable"`
	IntervalNoDevices    time.Duration `yaml:"interval_no_devices"`
	MinInterval          time.Duration `yaml:"min_interval"`
	MaxInterval          time.Duration `yaml:"max_interval"`
}

// DefaultConfig returns the literal defaults named throughout spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: logrus.InfoLevel,
		Bluetooth: BluetoothConfig{
			ServiceUUID:              "12345678-1234-5678-1234-56789abcdef0",
			CharacteristicUUID:       "12345678-1234-5678-1234-56789abcdef1",
			MaxConcurrentConnections: 4,
			ConnectionTimeout:        30 * time.Second,
			MaxReconnectAttempts:     3,
			ReconnectDelay:           30 * time.Second,
			DeviceLostThreshold:      60 * time.Second,
			ConnectionBlacklistDur:   60 * time.Second,
			ScannerStartTimeout:      5 * time.Second,
			ScannerStopTimeout:       5 * time.Second,
			HeartbeatInterval:        15 * time.Second,
			HeartbeatTimeout:         45 * time.Second,
			HealthScoreCritical:      0.2,
			HealthScoreWarning:       0.5,
			HealthScoreGood:          0.8,
		},
		Message: MessageConfig{
			MaxMessageSize:   500,
			MaxContentLength: 450,
			MessageTTL:       3,
			CacheSize:        100,
			CacheTTL:         300 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			PerConnection: 10,
			PerDevice:     30,
			Global:        100,
		},
		Security: SecurityConfig{
			EnableInputSanitization: true,
			BlockedPatterns:         nil,
		},
		Discovery: DiscoveryConfig{
			ScanTimeout:       10 * time.Second,
			IntervalInitial:   5 * time.Second,
			IntervalModerate:  15 * time.Second,
			IntervalStable:    30 * time.Second,
			IntervalNoDevices: 10 * time.Second,
			MinInterval:       3 * time.Second,
			MaxInterval:       60 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not an
// error: the caller gets DefaultConfig() back untouched.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// NewLogger builds a logrus logger configured at this config's level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
