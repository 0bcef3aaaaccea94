package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/netplay64/netplay64/internal/protocol"
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

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateNetplay(&cfg.Netplay, result)
	validateDiscovery(&cfg.Discovery, result)
	validateRendezvous(&cfg.Rendezvous, result)
	validateServices(cfg, result)

	return result
}

// ValidateNetplay checks a netplay section on its own, before it is
// applied with SetNetplay.
func ValidateNetplay(n NetplayConfig) *ValidationResult {
	result := &ValidationResult{}
	validateNetplay(&n, result)
	return result
}

func validateNetplay(n *NetplayConfig, result *ValidationResult) {
	if strings.TrimSpace(n.DeviceName) == "" {
		result.AddError("netplay.device_name", "device name is required")
	} else if !protocol.FitsField(n.DeviceName, protocol.NameFieldSize) {
		result.AddError("netplay.device_name",
			fmt.Sprintf("device name must be shorter than %d bytes", protocol.NameFieldSize))
	}

	if n.RomMD5 == "" {
		result.AddWarning("netplay.rom_md5", "ROM MD5 is empty, compatibility cannot be checked")
	} else if b, err := hex.DecodeString(n.RomMD5); err != nil || len(b) != 16 {
		result.AddError("netplay.rom_md5", "ROM MD5 must be 32 hex digits")
	}

	if n.RomPath != "" {
		if _, err := os.Stat(n.RomPath); os.IsNotExist(err) {
			result.AddWarning("netplay.rom_path", fmt.Sprintf("file does not exist: %s", n.RomPath))
		}
	}

	if !protocol.FitsField(n.VideoPlugin, protocol.PluginFieldSize) {
		result.AddError("netplay.video_plugin", "plugin name too long")
	}
	if !protocol.FitsField(n.RSPPlugin, protocol.PluginFieldSize) {
		result.AddError("netplay.rsp_plugin", "plugin name too long")
	}

	if n.BufferTarget < 0 || n.BufferTarget > 255 {
		result.AddError("netplay.buffer_target", "buffer target must fit in one byte (0-255)")
	}

	validateListen(n.RoomListen, "netplay.room_listen", result)
	validateListen(n.GameplayListen, "netplay.gameplay_listen", result)
	if n.RoomListen != "" && n.RoomListen == n.GameplayListen {
		result.AddError("netplay.ports", "port conflict detected: room and gameplay listeners must differ")
	}

	if n.FilePollAttempts < 1 {
		result.AddError("netplay.file_poll_attempts", "must poll at least once")
	}
	if n.FilePollIntervalMS < 10 {
		result.AddWarning("netplay.file_poll_interval_ms", "poll interval under 10ms busy-waits")
	}
	if n.HandshakeTimeoutSec < 1 {
		result.AddError("netplay.handshake_timeout_sec", "handshake timeout must be at least 1 second")
	}
}

func validateDiscovery(d *DiscoveryConfig, result *ValidationResult) {
	if !d.Enabled {
		return
	}
	if _, err := net.ResolveUDPAddr("udp4", d.Group); err != nil {
		result.AddError("discovery.group", fmt.Sprintf("invalid group address %q", d.Group))
	}
	if d.TTL < 1 {
		result.AddError("discovery.ttl", "multicast TTL must be at least 1")
	}
	if d.IntervalMS < d.InitialIntervalMS {
		result.AddWarning("discovery.interval_ms", "steady interval shorter than the initial delay")
	}
	if d.IntervalMS < 100 {
		result.AddWarning("discovery.interval_ms", "announcing more than 10 times a second floods the LAN")
	}
}

func validateRendezvous(r *RendezvousConfig, result *ValidationResult) {
	if r.ServerAddr != "" {
		if _, _, err := net.SplitHostPort(r.ServerAddr); err != nil {
			result.AddError("rendezvous.server_addr", "server address must be host:port")
		}
	}
	if r.CodeDigits < 4 || r.CodeDigits > 9 {
		result.AddError("rendezvous.code_digits", "room codes must have 4 to 9 digits")
	}
	if r.RoomTTLMinutes < 1 {
		result.AddError("rendezvous.room_ttl_min", "room TTL must be at least one minute")
	}
	if r.CleanupIntervalSec < 1 {
		result.AddError("rendezvous.cleanup_interval_sec", "cleanup interval must be positive")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.NAT.Enabled && cfg.NAT.LeaseSec < 60 {
		result.AddWarning("nat.lease_sec", "leases under a minute renew very often")
	}

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.TLSEnabled && (cfg.API.TLSCertFile == "" || cfg.API.TLSKeyFile == "") {
			result.AddWarning("api.tls_cert_file", "no certificate configured, a self-signed one will be generated")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}
}

func validateListen(addr, field string, result *ValidationResult) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid listen address %q", addr))
		return
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		result.AddError(field, fmt.Sprintf("invalid port %q", port))
		return
	}
	if p != 0 {
		validatePort(p, field, result)
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

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
