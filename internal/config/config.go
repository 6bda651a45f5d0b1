// Package config handles configuration loading, validation, and persistence
// for the xonrelay bridge.
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
	DefaultAPIPort    = 5000
	DefaultGamePort   = 26000
)

// Config is the root configuration structure for xonrelay.
type Config struct {
	mu   sync.RWMutex
	path string

	Servers         []ServerConfig  `json:"servers"`
	Protocol        ProtocolConfig  `json:"protocol"`
	Bridge          BridgeConfig    `json:"bridge"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerConfig describes one game server to bridge.
type ServerConfig struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	RconPassword string `json:"rcon_password"`
	Enabled      bool   `json:"enabled"`
}

// ProtocolConfig holds out-of-band protocol timings.
type ProtocolConfig struct {
	RequestTimeoutMS     int    `json:"request_timeout_ms"`
	KeepaliveIntervalSec int    `json:"keepalive_interval_sec"`
	MaxHandshakeTimeouts int    `json:"max_handshake_timeouts"`
	ChallengeTTLSec      int    `json:"challenge_ttl_sec"`
	SingleUseChallenge   bool   `json:"single_use_challenge"`
	ChatQueueSize        int    `json:"chat_queue_size"`
	WriteTimeoutMS       int    `json:"write_timeout_ms"`
	BindAddress          string `json:"bind_address"`
}

// RequestTimeout returns the request window as a duration.
func (p ProtocolConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMS) * time.Millisecond
}

// KeepaliveInterval returns the keepalive period. Zero disables keepalive.
func (p ProtocolConfig) KeepaliveInterval() time.Duration {
	return time.Duration(p.KeepaliveIntervalSec) * time.Second
}

// ChallengeTTL returns how long a challenge is trusted.
func (p ProtocolConfig) ChallengeTTL() time.Duration {
	return time.Duration(p.ChallengeTTLSec) * time.Second
}

// WriteTimeout returns the datagram write deadline.
func (p ProtocolConfig) WriteTimeout() time.Duration {
	return time.Duration(p.WriteTimeoutMS) * time.Millisecond
}

// BridgeConfig controls how chat crosses between the game and the outside.
type BridgeConfig struct {
	SayCommand       string `json:"say_command"`
	MaxMessageLength int    `json:"max_message_length"`
	StripColors      bool   `json:"strip_colors"`
}

// ApplicationData contains bridge application configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	API      APIConfig      `json:"api"`
	History  HistoryConfig  `json:"history"`
	Discord  DiscordConfig  `json:"discord"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	ReconnectInterval     int `json:"reconnect_interval_sec"`
	StatsPollingInterval  int `json:"stats_polling_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
	DiskCheckInterval     int `json:"disk_check_interval_sec"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// HistoryConfig holds chat and status history settings.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// DiscordConfig holds Discord webhook notification settings.
type DiscordConfig struct {
	WebhookURL       string `json:"webhook_url"`
	NotifyOnFailure  bool   `json:"notify_on_failure"`
	NotifyOnRecovery bool   `json:"notify_on_recovery"`
	NotifyOnDisk     bool   `json:"notify_on_disk"`
	RelayChat        bool   `json:"relay_chat"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	APIKeys        []string `json:"api_keys"`
	AuthDisabled   bool     `json:"auth_disabled"`
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
		Servers: []ServerConfig{},
		Protocol: ProtocolConfig{
			RequestTimeoutMS:     2000,
			KeepaliveIntervalSec: 20,
			MaxHandshakeTimeouts: 3,
			ChallengeTTLSec:      60,
			ChatQueueSize:        256,
			WriteTimeoutMS:       5000,
		},
		Bridge: BridgeConfig{
			SayCommand:       "discordsay",
			MaxMessageLength: 127,
			StripColors:      true,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval: 60,
				ReconnectInterval:     30,
				StatsPollingInterval:  30,
				HeartbeatInterval:     60,
				DiskCheckInterval:     3600,
			},
			API: APIConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    DefaultAPIPort,
			},
			History: HistoryConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "xonrelay.db"),
				RetentionDays: 14,
				CleanupTime:   "04:00",
			},
			Discord: DiscordConfig{
				NotifyOnFailure:  true,
				NotifyOnRecovery: true,
				NotifyOnDisk:     true,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    1883,
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: false,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
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
	log.Info().Str("path", configPath).Int("servers", len(cfg.Servers)).Msg("configuration loaded")

	// Persist defaults for fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds rcon passwords.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServers returns a copy of the server list.
func (c *Config) GetServers() []ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ServerConfig, len(c.Servers))
	copy(out, c.Servers)
	return out
}

// GetProtocol returns a copy of the protocol configuration.
func (c *Config) GetProtocol() ProtocolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Protocol
}

// GetBridge returns a copy of the bridge configuration.
func (c *Config) GetBridge() BridgeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bridge
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateAppField updates a specific field in application data.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.ApplicationData)
	if err != nil {
		return fmt.Errorf("failed to marshal application data: %w", err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode application data: %w", err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown application_data section %q", key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	next := c.ApplicationData
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.ApplicationData = next

	return nil
}

// Redacted returns a copy safe to expose: passwords, API keys and the
// webhook URL are masked.
func (c *Config) Redacted() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Config{
		Protocol:        c.Protocol,
		Bridge:          c.Bridge,
		ApplicationData: c.ApplicationData,
		Servers:         make([]ServerConfig, len(c.Servers)),
	}
	for i, s := range c.Servers {
		if s.RconPassword != "" {
			s.RconPassword = redactedValue
		}
		out.Servers[i] = s
	}

	sec := &out.ApplicationData.Security
	keys := make([]string, len(sec.APIKeys))
	for i := range keys {
		keys[i] = redactedValue
	}
	sec.APIKeys = keys
	sec.AllowedOrigins = append([]string(nil), sec.AllowedOrigins...)

	if out.ApplicationData.Discord.WebhookURL != "" {
		out.ApplicationData.Discord.WebhookURL = redactedValue
	}
	return out
}

const redactedValue = "********"

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true when no server has been configured yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Servers) == 0
}
