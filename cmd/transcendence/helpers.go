package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/rs/zerolog"
)

var errNoToken = errors.New("no token configured, run 'transcendence init <username> <token>' first")

// newLogger builds the CLI logger. Console output goes to stderr so that
// --json output on stdout stays machine readable.
func newLogger(cfg ConfigLog) zerolog.Logger {
	level := parseLevel(cfg.Level)
	if logLevelFlag != "" {
		level = parseLevel(logLevelFlag)
	}
	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// sessionConfig translates the CLI config into a SessionConfig. Unset values
// fall through to the library defaults.
func sessionConfig(cfg *Config) (transcendence.SessionConfig, error) {
	sc := transcendence.SessionConfig{
		BaseURL:       cfg.Server.BaseURL,
		Token:         cfg.Auth.Token,
		Username:      cfg.Auth.Username,
		QueueCapacity: cfg.Session.QueueCapacity,
	}
	sc.Reconnect.MaxAttempts = cfg.Session.MaxAttempts

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reply_timeout", cfg.Session.ReplyTimeout, &sc.ReplyTimeout},
		{"heartbeat_interval", cfg.Session.HeartbeatInterval, &sc.HeartbeatInterval},
		{"base_delay", cfg.Session.BaseDelay, &sc.Reconnect.BaseDelay},
		{"max_delay", cfg.Session.MaxDelay, &sc.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return sc, fmt.Errorf("session.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return sc, nil
}

// getClient creates a REST client authenticated with the configured token.
func getClient(cfg *Config) (*transcendence.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	opts := []transcendence.ClientOption{transcendence.WithToken(cfg.Auth.Token)}
	if cfg.Server.BaseURL != "" {
		opts = append(opts, transcendence.WithBaseURL(cfg.Server.BaseURL))
	}
	return transcendence.NewClient(opts...), nil
}

// getSession loads the runtime config and builds a session. The caller owns
// Close.
func getSession() (*transcendence.Session, zerolog.Logger, error) {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg.Log)
	if cfg.Auth.Token == "" {
		return nil, log, errNoToken
	}
	sc, err := sessionConfig(cfg)
	if err != nil {
		return nil, log, err
	}
	return transcendence.NewSession(sc, transcendence.WithLogger(log)), log, nil
}

// commandContext is cancelled on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runAction submits one realtime action and renders its reply. The action is
// queued until the channel opens.
func runAction(jsonOut bool, summary string, do func(ctx context.Context, s *transcendence.Session) (*transcendence.Reply, error)) error {
	s, _, err := getSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	reply, err := do(ctx, s)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if jsonOut {
		fmt.Println(string(reply.Raw))
		if reply.Failed() {
			return replyError(reply)
		}
		return nil
	}
	if reply.Failed() {
		return replyError(reply)
	}
	fmt.Println(summary)
	return nil
}

// replyError formats a server-side rejection for display.
func replyError(reply *transcendence.Reply) error {
	if reply.Err != nil {
		return fmt.Errorf("server error: %s: %s", reply.Err.Type, reply.Err.Message)
	}
	return fmt.Errorf("server returned %s", reply.Type)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskToken keeps the first and last four characters of a token.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
