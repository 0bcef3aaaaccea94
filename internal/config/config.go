// Package config handles configuration loading, validation, and persistence
// for netplay64.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/protocol"
)

const (
	DefaultConfigDir      = "config"
	DefaultConfigFile     = "config.json"
	DefaultAPIPort        = 45080
	DefaultRoomPort       = 45000
	DefaultGameplayPort   = 45001
	DefaultRendezvousPort = 45100
)

// Config is the root configuration structure for netplay64.
type Config struct {
	mu   sync.RWMutex
	path string

	Netplay    NetplayConfig    `json:"netplay"`
	Discovery  DiscoveryConfig  `json:"discovery"`
	Rendezvous RendezvousConfig `json:"rendezvous"`
	NAT        NATConfig        `json:"nat"`
	API        APIConfig        `json:"api"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Logging    LoggingConfig    `json:"logging"`
}

// NetplayConfig contains the session parameters shared by host and joiner.
type NetplayConfig struct {
	DeviceName  string `json:"device_name"`
	RomPath     string `json:"rom_path"`
	RomMD5      string `json:"rom_md5"`
	VideoPlugin string `json:"video_plugin"`
	RSPPlugin   string `json:"rsp_plugin"`

	BufferTarget int                   `json:"buffer_target"`
	Settings     protocol.CoreSettings `json:"core_settings"`

	RoomListen     string `json:"room_listen"`
	GameplayListen string `json:"gameplay_listen"`

	FilePollAttempts    int `json:"file_poll_attempts"`
	FilePollIntervalMS  int `json:"file_poll_interval_ms"`
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`
}

// DiscoveryConfig holds LAN announcement settings.
type DiscoveryConfig struct {
	Enabled           bool   `json:"enabled"`
	Group             string `json:"group"`
	ListenAddr        string `json:"listen_addr"`
	TTL               int    `json:"ttl"`
	InitialIntervalMS int    `json:"initial_interval_ms"`
	IntervalMS        int    `json:"interval_ms"`
	CandidateMaxAge   int    `json:"candidate_max_age_sec"`
}

// RendezvousConfig holds room-code service settings. ServerAddr is used by
// hosts and joiners; the rest by the rendezvous server itself.
type RendezvousConfig struct {
	ServerAddr         string `json:"server_addr"`
	ListenAddr         string `json:"listen_addr"`
	DatabasePath       string `json:"database_path"`
	RoomTTLMinutes     int    `json:"room_ttl_min"`
	CleanupIntervalSec int    `json:"cleanup_interval_sec"`
	CodeDigits         int    `json:"code_digits"`
	RequestTimeoutSec  int    `json:"request_timeout_sec"`
}

// NATConfig holds NAT-PMP port mapping settings.
type NATConfig struct {
	Enabled    bool `json:"enabled"`
	LeaseSec   int  `json:"lease_sec"`
	TimeoutSec int  `json:"timeout_sec"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "netplay64"
	}
	return &Config{
		Netplay: NetplayConfig{
			DeviceName:  hostname,
			VideoPlugin: "GLideN64",
			RSPPlugin:   "parallel-rsp",
			Settings: protocol.CoreSettings{
				CountPerOp:    2,
				SiDMADuration: 0x900,
				EmuMode:       2,
			},
			BufferTarget:        2,
			RoomListen:          fmt.Sprintf(":%d", DefaultRoomPort),
			GameplayListen:      fmt.Sprintf(":%d", DefaultGameplayPort),
			FilePollAttempts:    100,
			FilePollIntervalMS:  100,
			HandshakeTimeoutSec: 5,
		},
		Discovery: DiscoveryConfig{
			Enabled:           true,
			Group:             "239.255.64.64:45064",
			ListenAddr:        ":45064",
			TTL:               1,
			InitialIntervalMS: 500,
			IntervalMS:        2000,
			CandidateMaxAge:   10,
		},
		Rendezvous: RendezvousConfig{
			ListenAddr:         fmt.Sprintf(":%d", DefaultRendezvousPort),
			DatabasePath:       filepath.Join("data", "rooms.db"),
			RoomTTLMinutes:     120,
			CleanupIntervalSec: 60,
			CodeDigits:         6,
			RequestTimeoutSec:  10,
		},
		NAT: NATConfig{
			LeaseSec:   3600,
			TimeoutSec: 3,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "netplay64",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
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

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file lists options added since it was written.
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

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetplay returns a copy of the netplay section.
func (c *Config) GetNetplay() NetplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Netplay
}

// SetNetplay replaces the netplay section.
func (c *Config) SetNetplay(n NetplayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Netplay = n
}

// GetDiscovery returns a copy of the discovery section.
func (c *Config) GetDiscovery() DiscoveryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Discovery
}

// GetRendezvous returns a copy of the rendezvous section.
func (c *Config) GetRendezvous() RendezvousConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Rendezvous
}

// GetNAT returns a copy of the NAT section.
func (c *Config) GetNAT() NATConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NAT
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateNetplayField updates a single netplay field by its JSON key.
func (c *Config) UpdateNetplayField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Netplay)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown netplay field %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var n NetplayConfig
	if err := json.Unmarshal(updated, &n); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Netplay = n
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Netplay.RomMD5 == ""
}

// FilePollInterval returns the save-file poll interval.
func (n NetplayConfig) FilePollInterval() time.Duration {
	return time.Duration(n.FilePollIntervalMS) * time.Millisecond
}

// HandshakeTimeout returns the room handshake timeout.
func (n NetplayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(n.HandshakeTimeoutSec) * time.Second
}

// Intervals returns the initial and steady announcement intervals.
func (d DiscoveryConfig) Intervals() (initial, steady time.Duration) {
	return time.Duration(d.InitialIntervalMS) * time.Millisecond, time.Duration(d.IntervalMS) * time.Millisecond
}

// RoomTTL returns how long a registered room lives.
func (r RendezvousConfig) RoomTTL() time.Duration {
	return time.Duration(r.RoomTTLMinutes) * time.Minute
}

// CleanupInterval returns the room expiry sweep interval.
func (r RendezvousConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalSec) * time.Second
}
