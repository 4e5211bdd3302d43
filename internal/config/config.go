// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentpilot/agentpilot/internal/capability"
	"github.com/agentpilot/agentpilot/internal/stream"
)

// Config holds all application configuration. It is constructed once at
// startup and passed by reference; nothing reads the environment after Load.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	AgentBin  string
	StopGrace time.Duration

	MaxSessions     int
	SessionTimeout  time.Duration
	CleanupInterval time.Duration

	TraceBufferLines int
	DecodePolicy     stream.DecodePolicy

	Capabilities *capability.Registry

	AuditLog AuditLogConfig
}

// AuditLogConfig controls NDJSON message audit logging.
type AuditLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	capabilities, err := capability.ParseRegistry(getEnv("CAPABILITY_SERVERS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/agentpilot.db"),

		AgentBin:  getEnv("AGENT_BIN", "agent-cli"),
		StopGrace: getEnvDuration("STOP_GRACE", 5*time.Second),

		MaxSessions:     getEnvInt("MAX_SESSIONS", 10),
		SessionTimeout:  getEnvDuration("SESSION_TIMEOUT", time.Hour),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),

		TraceBufferLines: getEnvInt("TRACE_BUFFER_LINES", 256),
		DecodePolicy:     stream.DecodePolicy(getEnv("DECODE_POLICY", string(stream.PolicyAbort))),

		Capabilities: capabilities,

		AuditLog: AuditLogConfig{
			Enabled:   getEnvBool("AUDIT_LOG_ENABLED", false),
			Dir:       getEnv("AUDIT_LOG_DIR", "./data/audit"),
			QueueSize: getEnvInt("AUDIT_QUEUE_SIZE", 1024),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AgentBin == "" {
		return fmt.Errorf("AGENT_BIN cannot be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be > 0")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be > 0")
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("STOP_GRACE must be > 0")
	}
	if c.DecodePolicy != stream.PolicyAbort && c.DecodePolicy != stream.PolicySkip {
		return fmt.Errorf("DECODE_POLICY must be %q or %q", stream.PolicyAbort, stream.PolicySkip)
	}
	if c.AuditLog.Enabled && c.AuditLog.Dir == "" {
		return fmt.Errorf("AUDIT_LOG_DIR cannot be empty when audit logging is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
