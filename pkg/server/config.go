package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/relaychat/pkg/presence"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort         int    `toml:"tcp_port"`
	SSHPort         int    `toml:"ssh_port"`
	HTTPPort        int    `toml:"http_port"`
	MetricsPort     int    `toml:"metrics_port"`
	SSHHostKey      string `toml:"ssh_host_key"`
	CredentialsPath string `toml:"credentials_path"`
	AuditDBPath     string `toml:"audit_db_path"`
}

type LimitsSection struct {
	BlockDurationSeconds int `toml:"block_duration_seconds"`
	IdleTimeoutSeconds   int `toml:"idle_timeout_seconds"`
	MaxFailedAttempts    int `toml:"max_failed_attempts"`
	SweepIntervalMs      int `toml:"sweep_interval_ms"`
	OutboundQueueSize    int `toml:"outbound_queue_size"`
	MaxPendingPerUser    int `toml:"max_pending_per_user"`
	MaxMessageLength     int `toml:"max_message_length"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:         6465,
			SSHPort:         6466,
			HTTPPort:        8080,
			MetricsPort:     9090,
			SSHHostKey:      "~/.relaychat/ssh_host_key",
			CredentialsPath: "credentials.txt",
			AuditDBPath:     "~/.relaychat/audit.db",
		},
		Limits: LimitsSection{
			BlockDurationSeconds: 60,
			IdleTimeoutSeconds:   300,
			MaxFailedAttempts:    3,
			SweepIntervalMs:      1000,
			OutboundQueueSize:    256,
			MaxPendingPerUser:    0,
			MaxMessageLength:     4096,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file keep
// their defaults, so an explicit 0 port really means "disabled".
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path); err != nil {
			// Might be a permissions issue; we can still run on defaults
			log.Printf("Could not write default config to %s: %v", path, err)
		}
		return applyEnvOverrides(config), nil
	}

	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.Printf("Config %s: ignoring unknown key %s", path, key)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: RELAYCHAT_SECTION_KEY
// Example: RELAYCHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("RELAYCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("RELAYCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("RELAYCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("RELAYCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("RELAYCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("RELAYCHAT_SERVER_CREDENTIALS_PATH", &config.Server.CredentialsPath)
	envString("RELAYCHAT_SERVER_AUDIT_DB_PATH", &config.Server.AuditDBPath)

	// Limits section
	envInt("RELAYCHAT_LIMITS_BLOCK_DURATION_SECONDS", &config.Limits.BlockDurationSeconds)
	envInt("RELAYCHAT_LIMITS_IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds)
	envInt("RELAYCHAT_LIMITS_MAX_FAILED_ATTEMPTS", &config.Limits.MaxFailedAttempts)
	envInt("RELAYCHAT_LIMITS_SWEEP_INTERVAL_MS", &config.Limits.SweepIntervalMs)
	envInt("RELAYCHAT_LIMITS_OUTBOUND_QUEUE_SIZE", &config.Limits.OutboundQueueSize)
	envInt("RELAYCHAT_LIMITS_MAX_PENDING_PER_USER", &config.Limits.MaxPendingPerUser)
	envInt("RELAYCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)

	return config
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			log.Printf("Ignoring %s=%q: not an integer", name, val)
		}
	}
}

// envString treats a set-but-empty variable as a real value so paths like
// audit_db_path can be cleared from the environment.
func envString(name string, dst *string) {
	if val, ok := os.LookupEnv(name); ok {
		*dst = val
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# relaychat server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# RELAYCHAT_SECTION_KEY (e.g., RELAYCHAT_SERVER_TCP_PORT=7000)

[server]
# Port for framed TCP connections
tcp_port = 6465

# Port for SSH connections (login still happens in-protocol), 0 disables
ssh_port = 6466

# Port for the public HTTP server (/ws endpoint), 0 disables
http_port = 8080

# Port for the internal HTTP server (/metrics, /health, /presence, /audit)
# Never expose this publicly. 0 disables
metrics_port = 9090

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.relaychat/ssh_host_key"

# Newline-delimited "username password" list, loaded once at startup
credentials_path = "credentials.txt"

# SQLite audit journal of logins, lockouts and routing decisions
# Set to "" to disable
audit_db_path = "~/.relaychat/audit.db"

[limits]
# How long a user stays locked out after too many bad passwords
block_duration_seconds = 60

# Sessions idle longer than this are logged out by the sweep, 0 disables
idle_timeout_seconds = 300

# Consecutive bad passwords before lockout
max_failed_attempts = 3

# How often the sweep delivers queued messages and evicts idle sessions
sweep_interval_ms = 1000

# Outbound messages buffered per connection before it counts as a slow consumer
outbound_queue_size = 256

# Messages held per offline user, oldest dropped first (0 = unlimited)
max_pending_per_user = 0

# Maximum message length in characters (0 = unlimited)
max_message_length = 4096
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects values the server cannot run with
func (c *TOMLConfig) Validate() error {
	ports := map[string]int{
		"server.tcp_port":     c.Server.TCPPort,
		"server.ssh_port":     c.Server.SSHPort,
		"server.http_port":    c.Server.HTTPPort,
		"server.metrics_port": c.Server.MetricsPort,
	}
	for key, port := range ports {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", key, port)
		}
	}
	if c.Limits.BlockDurationSeconds < 0 {
		return fmt.Errorf("limits.block_duration_seconds must not be negative")
	}
	if c.Limits.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("limits.idle_timeout_seconds must not be negative")
	}
	if c.Limits.MaxPendingPerUser < 0 || c.Limits.MaxMessageLength < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if strings.TrimSpace(c.Server.CredentialsPath) == "" {
		return fmt.Errorf("server.credentials_path is required")
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Limits that cannot be
// zero fall back to their defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	cfg.CredentialsPath = c.Server.CredentialsPath
	cfg.AuditDBPath = c.Server.AuditDBPath

	cfg.BlockDuration = time.Duration(c.Limits.BlockDurationSeconds) * time.Second
	cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	cfg.MaxPendingPerUser = c.Limits.MaxPendingPerUser
	cfg.MaxMessageLength = c.Limits.MaxMessageLength

	if c.Limits.MaxFailedAttempts > 0 {
		cfg.MaxFailedAttempts = c.Limits.MaxFailedAttempts
	}
	if c.Limits.SweepIntervalMs > 0 {
		cfg.SweepInterval = time.Duration(c.Limits.SweepIntervalMs) * time.Millisecond
	}
	if c.Limits.OutboundQueueSize > 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}

	return cfg
}

// LoadCredentials reads the credentials file named by the config.
func (c ServerConfig) LoadCredentials() ([]presence.Credential, error) {
	path, err := expandHome(c.CredentialsPath)
	if err != nil {
		return nil, err
	}
	return presence.LoadCredentialsFile(path)
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
