package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
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

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServers(cfg.Servers, result)
	validateProtocol(&cfg.Protocol, result)
	validateBridge(&cfg.Bridge, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateServers(servers []ServerConfig, result *ValidationResult) {
	if len(servers) == 0 {
		result.AddWarning("servers", "no servers configured, nothing to bridge")
	}

	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		field := fmt.Sprintf("servers[%d]", i)

		name := strings.TrimSpace(s.Name)
		if name == "" {
			result.AddError(field+".name", "server name is required")
		} else if seen[name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate server name %q", name))
		}
		seen[name] = true

		host, port, err := net.SplitHostPort(s.Address)
		if err != nil || host == "" {
			result.AddError(field+".address", fmt.Sprintf("invalid address %q, expected host:port", s.Address))
		} else if p, err := strconv.Atoi(port); err != nil {
			result.AddError(field+".address", fmt.Sprintf("invalid port %q", port))
		} else {
			validatePort(p, field+".address", result)
		}

		if s.RconPassword == "" {
			result.AddWarning(field+".rcon_password", "empty rcon password, rcon and chat relay will be rejected by the server")
		}
	}
}

func validateProtocol(p *ProtocolConfig, result *ValidationResult) {
	if p.RequestTimeoutMS <= 0 {
		result.AddError("protocol.request_timeout_ms", "request timeout must be positive")
	}
	if p.KeepaliveIntervalSec < 0 {
		result.AddError("protocol.keepalive_interval_sec", "keepalive interval cannot be negative")
	} else if p.KeepaliveIntervalSec == 0 {
		result.AddWarning("protocol.keepalive_interval_sec", "keepalive disabled, challenges will expire")
	} else if p.RequestTimeoutMS >= p.KeepaliveIntervalSec*1000 {
		result.AddError("protocol.request_timeout_ms",
			"request timeout must be shorter than the keepalive interval, or a silent server is never detected")
	}
	if p.MaxHandshakeTimeouts < 1 {
		result.AddError("protocol.max_handshake_timeouts", "must allow at least 1 handshake timeout")
	}
	if p.ChallengeTTLSec <= 0 {
		result.AddError("protocol.challenge_ttl_sec", "challenge TTL must be positive")
	} else if p.KeepaliveIntervalSec > 0 && p.ChallengeTTLSec <= p.KeepaliveIntervalSec {
		result.AddWarning("protocol.challenge_ttl_sec",
			"challenge TTL not longer than keepalive interval, rcon may see expired challenges")
	}
	if p.ChatQueueSize < 1 {
		result.AddError("protocol.chat_queue_size", "chat queue size must be at least 1")
	}
	if p.WriteTimeoutMS <= 0 {
		result.AddError("protocol.write_timeout_ms", "write timeout must be positive")
	}
	if p.BindAddress != "" {
		if _, _, err := net.SplitHostPort(p.BindAddress); err != nil {
			result.AddError("protocol.bind_address", fmt.Sprintf("invalid bind address %q", p.BindAddress))
		}
	}
}

func validateBridge(b *BridgeConfig, result *ValidationResult) {
	if strings.TrimSpace(b.SayCommand) == "" {
		result.AddError("bridge.say_command", "say command is required")
	}
	if b.MaxMessageLength < 1 {
		result.AddError("bridge.max_message_length", "max message length must be positive")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
	}

	if data.History.Enabled {
		if strings.TrimSpace(data.History.Path) == "" {
			result.AddError("application_data.history.path", "history database path is required when enabled")
		}
		if data.History.RetentionDays < 1 {
			result.AddError("application_data.history.retention_days", "retention days must be at least 1")
		}
		if _, _, err := ParseClock(data.History.CleanupTime); err != nil {
			result.AddError("application_data.history.cleanup_time", err.Error())
		}
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	// Security
	if data.Security.TLSEnabled &&
		(strings.TrimSpace(data.Security.TLSCertFile) == "" || strings.TrimSpace(data.Security.TLSKeyFile) == "") {
		result.AddWarning("application_data.security.tls_cert_file",
			"TLS enabled without a certificate, a self-signed one will be generated")
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if data.API.Enabled && !data.Security.AuthDisabled && len(data.Security.APIKeys) == 0 {
		result.AddWarning("application_data.security.api_keys",
			"API authentication enabled without keys, every protected route will be refused")
	}

	if data.Discord.WebhookURL != "" && !strings.HasPrefix(data.Discord.WebhookURL, "https://") {
		result.AddWarning("application_data.discord.webhook_url", "webhook URL is not https")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if timers.StatsPollingInterval > 0 && timers.StatsPollingInterval < 5 {
		result.AddWarning("timers.stats_polling_interval",
			"status polling more often than every 5s may be throttled by the server")
	}
	if timers.ReconnectInterval < 1 {
		result.AddError("timers.reconnect_interval", "reconnect interval must be at least 1s")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// ParseClock parses an "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
