package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.transcendence/config.toml.
// Every field can be overridden by a TRANSCENDENCE_<SECTION>_<FIELD> variable.
type Config struct {
	Server  ConfigServer  `toml:"server" envPrefix:"SERVER_"`
	Auth    ConfigAuth    `toml:"auth" envPrefix:"AUTH_"`
	Session ConfigSession `toml:"session" envPrefix:"SESSION_"`
	Log     ConfigLog     `toml:"log" envPrefix:"LOG_"`
}

// ConfigServer locates the backend.
type ConfigServer struct {
	BaseURL string `toml:"base_url" env:"BASE_URL"`
}

// ConfigAuth holds the credentials issued at login.
type ConfigAuth struct {
	Token    string `toml:"token" env:"TOKEN"`
	Username string `toml:"username" env:"USERNAME"`
}

// ConfigSession tunes the realtime session. Durations use Go syntax ("10s").
type ConfigSession struct {
	ReplyTimeout      string `toml:"reply_timeout,omitempty" env:"REPLY_TIMEOUT"`
	HeartbeatInterval string `toml:"heartbeat_interval,omitempty" env:"HEARTBEAT_INTERVAL"`
	QueueCapacity     int    `toml:"queue_capacity,omitempty" env:"QUEUE_CAPACITY"`
	BaseDelay         string `toml:"base_delay,omitempty" env:"BASE_DELAY"`
	MaxDelay          string `toml:"max_delay,omitempty" env:"MAX_DELAY"`
	MaxAttempts       int    `toml:"max_attempts,omitempty" env:"MAX_ATTEMPTS"`
}

// ConfigLog controls CLI logging.
type ConfigLog struct {
	Level  string `toml:"level,omitempty" env:"LEVEL"`
	Format string `toml:"format,omitempty" env:"FORMAT"`
}

const envPrefix = "TRANSCENDENCE_"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.transcendence, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".transcendence")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file only. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadRuntimeConfig layers ./.env and the process environment over the file.
// It is never written back.
func loadRuntimeConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "session":
		return setSessionValue(&cfg.Session, field, value)
	case "log":
		switch field {
		case "level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q: %w", value, err)
			}
			cfg.Log.Level = value
		case "format":
			if value != "console" && value != "json" {
				return fmt.Errorf("log format must be console or json, got %q", value)
			}
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, session, log)", section)
	}
	return nil
}

func setSessionValue(s *ConfigSession, field, value string) error {
	duration := func(dst *string) error {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for session.%s: %w", field, err)
		}
		*dst = value
		return nil
	}
	integer := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("session.%s must be a non-negative integer", field)
		}
		*dst = n
		return nil
	}

	switch field {
	case "reply_timeout":
		return duration(&s.ReplyTimeout)
	case "heartbeat_interval":
		return duration(&s.HeartbeatInterval)
	case "base_delay":
		return duration(&s.BaseDelay)
	case "max_delay":
		return duration(&s.MaxDelay)
	case "queue_capacity":
		return integer(&s.QueueCapacity)
	case "max_attempts":
		return integer(&s.MaxAttempts)
	default:
		return fmt.Errorf("unknown field %q in section [session]", field)
	}
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "transcendence",
	Short: "ft_transcendence social client",
	Long: "Command-line client for the ft_transcendence social layer.\n" +
		"Manage friends, game invites and tournaments over the realtime channel.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
