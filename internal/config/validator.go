package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateRelay(&cfg.Relay, result)
	validateReconnect(&cfg.Reconnect, result)

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps", "rate limit is disabled")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		validatePort(cfg.MQTT.Port, "mqtt.port", result)
	}

	if cfg.Storage.Enabled {
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			result.AddError("storage.path", "storage path is required when enabled")
		}
		if cfg.Storage.RetentionDays < 1 {
			result.AddError("storage.retention_days", "retention days must be at least 1")
		}
	}

	if _, err := time.Parse("15:04", cfg.Timers.CleanupTime); err != nil {
		result.AddError("timers.cleanup_time", "cleanup time must be HH:MM")
	}

	return result
}

func validateRelay(r *RelayConfig, result *ValidationResult) {
	if r.RoomID < 0 {
		result.AddError("relay.room_id", "room id must not be negative")
	}

	for field, raw := range map[string]string{"relay.api_base": r.APIBase, "relay.live_base": r.LiveBase} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			result.AddError(field, fmt.Sprintf("invalid base URL: %q", raw))
		}
	}

	if strings.TrimSpace(r.DefaultHost) == "" {
		result.AddError("relay.default_host", "default relay host is required")
	}
	validatePort(r.DefaultPort, "relay.default_port", result)

	if r.ReadTimeoutSec > 0 && r.HeartbeatSec > 0 && r.ReadTimeoutSec <= r.HeartbeatSec {
		result.AddWarning("relay.read_timeout_sec",
			"read timeout should exceed the heartbeat interval or idle rooms will be dropped")
	}

	if r.EventBuffer < 1 {
		result.AddError("relay.event_buffer", "event buffer must be at least 1")
	}
}

func validateReconnect(r *ReconnectConfig, result *ValidationResult) {
	if !r.Enabled {
		return
	}
	if r.InitialBackoff < 1 {
		result.AddError("reconnect.initial_backoff_sec", "initial backoff must be at least 1 second")
	}
	if r.MaxBackoff < r.InitialBackoff {
		result.AddError("reconnect.max_backoff_sec", "max backoff must not be below initial backoff")
	}
	if r.MaxAttempts < 0 {
		result.AddError("reconnect.max_attempts", "max attempts must not be negative")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
	}
}

// ValidateReconnect checks a reconnect policy on its own.
func ValidateReconnect(r ReconnectConfig) *ValidationResult {
	result := &ValidationResult{}
	validateReconnect(&r, result)
	return result
}
