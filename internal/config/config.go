package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds the full configuration surface of the relay. Every field is
// environment-driven with a WEBTERM_ prefix; an optional YAML file referenced
// by WEBTERM_CONFIG_FILE overlays individual fields on top of the environment.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080" yaml:"listen_addr"`

	// Session limits
	MaxSessions   int `envconfig:"MAX_SESSIONS" default:"10" yaml:"max_sessions"`
	IdleTimeoutMs int `envconfig:"IDLE_TIMEOUT_MS" default:"300000" yaml:"idle_timeout_ms"`

	// Remote shell settings
	TermType          string        `envconfig:"TERM_TYPE" default:"xterm-256color" yaml:"term_type"`
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s" yaml:"ssh_connect_timeout"`

	// Inbound message limits (per connection)
	RateLimit int `envconfig:"RATE_LIMIT" default:"200" yaml:"rate_limit"`
	RateBurst int `envconfig:"RATE_BURST" default:"200" yaml:"rate_burst"`

	// Shutdown
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"5s" yaml:"shutdown_grace"`

	// Observability
	LogPath        string        `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	AuditDBPath    string        `envconfig:"AUDIT_DB_PATH" default:"" yaml:"audit_db_path"`
	AuditRetention time.Duration `envconfig:"AUDIT_RETENTION" default:"720h" yaml:"audit_retention"`

	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`
}

// IdleTimeout returns the idle timeout as a duration.
func (s Settings) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

var Cfg Settings

func Load() {
	if err := Process(&Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Process fills s from the environment and applies the optional YAML overlay.
// Split out from Load so tests can exercise it without the fatal path.
func Process(s *Settings) error {
	if err := envconfig.Process("WEBTERM", s); err != nil {
		return fmt.Errorf("process env: %w", err)
	}
	if s.ConfigFile != "" {
		if err := applyFile(s, s.ConfigFile); err != nil {
			return fmt.Errorf("config file %s: %w", s.ConfigFile, err)
		}
	}
	if s.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be positive, got %d", s.MaxSessions)
	}
	if s.IdleTimeoutMs < 1 {
		return fmt.Errorf("idle timeout must be positive, got %dms", s.IdleTimeoutMs)
	}
	return nil
}

// fileSettings mirrors Settings with pointer fields so the overlay only
// touches keys actually present in the YAML document. Durations are strings
// in time.ParseDuration format ("5s", "30m").
type fileSettings struct {
	ListenAddr        *string `yaml:"listen_addr"`
	MaxSessions       *int    `yaml:"max_sessions"`
	IdleTimeoutMs     *int    `yaml:"idle_timeout_ms"`
	TermType          *string `yaml:"term_type"`
	SSHConnectTimeout *string `yaml:"ssh_connect_timeout"`
	RateLimit         *int    `yaml:"rate_limit"`
	RateBurst         *int    `yaml:"rate_burst"`
	ShutdownGrace     *string `yaml:"shutdown_grace"`
	LogPath           *string `yaml:"log_path"`
	AuditDBPath       *string `yaml:"audit_db_path"`
	AuditRetention    *string `yaml:"audit_retention"`
}

func applyFile(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if fs.ListenAddr != nil {
		s.ListenAddr = *fs.ListenAddr
	}
	if fs.MaxSessions != nil {
		s.MaxSessions = *fs.MaxSessions
	}
	if fs.IdleTimeoutMs != nil {
		s.IdleTimeoutMs = *fs.IdleTimeoutMs
	}
	if fs.TermType != nil {
		s.TermType = *fs.TermType
	}
	if fs.SSHConnectTimeout != nil {
		d, err := time.ParseDuration(*fs.SSHConnectTimeout)
		if err != nil {
			return fmt.Errorf("ssh_connect_timeout: %w", err)
		}
		s.SSHConnectTimeout = d
	}
	if fs.RateLimit != nil {
		s.RateLimit = *fs.RateLimit
	}
	if fs.RateBurst != nil {
		s.RateBurst = *fs.RateBurst
	}
	if fs.ShutdownGrace != nil {
		d, err := time.ParseDuration(*fs.ShutdownGrace)
		if err != nil {
			return fmt.Errorf("shutdown_grace: %w", err)
		}
		s.ShutdownGrace = d
	}
	if fs.LogPath != nil {
		s.LogPath = *fs.LogPath
	}
	if fs.AuditDBPath != nil {
		s.AuditDBPath = *fs.AuditDBPath
	}
	if fs.AuditRetention != nil {
		d, err := time.ParseDuration(*fs.AuditRetention)
		if err != nil {
			return fmt.Errorf("audit_retention: %w", err)
		}
		s.AuditRetention = d
	}
	return nil
}
