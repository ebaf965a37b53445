// Package config handles configuration loading, validation, and persistence
// for livefeed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultRelayHost  = "broadcastlv.chat.bilibili.com"
	DefaultRelayPort  = 2243
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// Config is the root configuration structure for livefeed.
type Config struct {
	mu   sync.RWMutex
	path string

	Relay     RelayConfig     `json:"relay"`
	Reconnect ReconnectConfig `json:"reconnect"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Storage   StorageConfig   `json:"storage"`
	Timers    TimerConfig     `json:"timers"`
	Logging   LoggingConfig   `json:"logging"`
}

// RelayConfig holds the chat relay client settings.
type RelayConfig struct {
	// RoomID is the room watched on startup; 0 means wait for a watch command.
	RoomID int64 `json:"room_id"`

	APIBase  string `json:"api_base"`
	LiveBase string `json:"live_base"`

	DefaultHost string `json:"default_host"`
	DefaultPort int    `json:"default_port"`

	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	ReadTimeoutSec    int `json:"read_timeout_sec"`
	HTTPTimeoutSec    int `json:"http_timeout_sec"`
	HeartbeatSec      int `json:"heartbeat_interval_sec"`

	// StrictAuth faults the session when the relay answers the auth frame
	// with a non-zero code.
	StrictAuth bool `json:"strict_auth"`

	EventBuffer int    `json:"event_buffer"`
	UserAgent   string `json:"user_agent"`
}

// ReconnectConfig holds the owning session's retry policy.
type ReconnectConfig struct {
	Enabled        bool `json:"enabled"`
	InitialBackoff int  `json:"initial_backoff_sec"`
	MaxBackoff     int  `json:"max_backoff_sec"`
	MaxAttempts    int  `json:"max_attempts"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT fan-out settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// StorageConfig holds the session audit store settings.
type StorageConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// TimerConfig holds periodic task settings.
type TimerConfig struct {
	StatusInterval int    `json:"status_interval_sec"`
	CleanupTime    string `json:"cleanup_time"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			APIBase:           "https://api.bilibili.com",
			LiveBase:          "https://api.live.bilibili.com",
			DefaultHost:       DefaultRelayHost,
			DefaultPort:       DefaultRelayPort,
			ConnectTimeoutSec: 5,
			ReadTimeoutSec:    60,
			HTTPTimeoutSec:    5,
			HeartbeatSec:      30,
			EventBuffer:       256,
			UserAgent:         DefaultUserAgent,
		},
		Reconnect: ReconnectConfig{
			Enabled:        true,
			InitialBackoff: 3,
			MaxBackoff:     60,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "livefeed",
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(DefaultConfigDir, "sessions.db"),
			RetentionDays: 14,
		},
		Timers: TimerConfig{
			StatusInterval: 60,
			CleanupTime:    "04:00",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist any fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetRelay returns a copy of the relay configuration.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// SetRoomID updates the room watched on startup.
func (c *Config) SetRoomID(roomID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay.RoomID = roomID
}

// GetReconnect returns a copy of the reconnect policy.
func (c *Config) GetReconnect() ReconnectConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reconnect
}

// SetReconnect updates the reconnect policy.
func (c *Config) SetReconnect(r ReconnectConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reconnect = r
}

// GetAPI returns a copy of the REST API settings.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT settings.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetStorage returns a copy of the audit store settings.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetTimers returns a copy of the periodic task settings.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// ConnectTimeout returns the relay dial timeout.
func (r RelayConfig) ConnectTimeout() time.Duration {
	return seconds(r.ConnectTimeoutSec, 5)
}

// ReadTimeout returns the relay socket read timeout.
func (r RelayConfig) ReadTimeout() time.Duration {
	return seconds(r.ReadTimeoutSec, 60)
}

// HTTPTimeout returns the per-call bootstrap HTTP timeout.
func (r RelayConfig) HTTPTimeout() time.Duration {
	return seconds(r.HTTPTimeoutSec, 5)
}

// HeartbeatInterval returns the heartbeat period.
func (r RelayConfig) HeartbeatInterval() time.Duration {
	return seconds(r.HeartbeatSec, 30)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}
