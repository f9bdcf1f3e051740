// Package config loads the exchange's runtime configuration from CLI flags
// and environment variables. Precedence: CLI flags > env vars > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the SystemX exchange.
type Config struct {
	ListenAddr string // host:port for the HTTP/WebSocket listener
	TLSCert    string // path to TLS certificate file
	TLSKey     string // path to TLS private key file

	HeartbeatIntervalMs  int // expected client heartbeat cadence; paces the sweeper
	HeartbeatTimeoutMs   int // staleness threshold for eviction
	CallRingingTimeoutMs int // how long a call may ring unanswered
	DialRateMaxAttempts  int // DIAL attempts allowed per session per window
	DialRateWindowMs     int // dial rate window

	LogLevel  string
	LogFormat string // "text" or "json"

	// Federation link to a parent exchange.
	FederationEnabled             bool
	FederationURL                 string
	FederationPeerID              string
	FederationLocalDomain         string
	FederationRoutes              string // comma-separated glob patterns routed upstream
	FederationAnnounceRoutes      string // comma-separated glob patterns announced to the parent
	FederationAuthToken           string
	FederationReconnectDelayMs    int
	FederationHeartbeatIntervalMs int
}

// defaults
const (
	defaultListenAddr          = ":8090"
	defaultHeartbeatIntervalMs = 30_000
	defaultHeartbeatTimeoutMs  = 90_000
	defaultRingTimeoutMs       = 30_000
	defaultDialMaxAttempts     = 100
	defaultDialWindowMs        = 60_000
	defaultReconnectDelayMs    = 5_000
	defaultFedHeartbeatMs      = 30_000
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
)

// envPrefix is the prefix for all SystemX environment variables.
const envPrefix = "SYSTEMX_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("systemx", flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", defaultListenAddr, "host:port for the HTTP/WebSocket listener")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.IntVar(&cfg.HeartbeatIntervalMs, "heartbeat-interval-ms", defaultHeartbeatIntervalMs, "expected client heartbeat cadence in milliseconds")
	fs.IntVar(&cfg.HeartbeatTimeoutMs, "heartbeat-timeout-ms", defaultHeartbeatTimeoutMs, "heartbeat staleness threshold in milliseconds")
	fs.IntVar(&cfg.CallRingingTimeoutMs, "call-ringing-timeout-ms", defaultRingTimeoutMs, "unanswered call timeout in milliseconds")
	fs.IntVar(&cfg.DialRateMaxAttempts, "dial-rate-max-attempts", defaultDialMaxAttempts, "DIAL attempts allowed per session per window")
	fs.IntVar(&cfg.DialRateWindowMs, "dial-rate-window-ms", defaultDialWindowMs, "dial rate window in milliseconds")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.BoolVar(&cfg.FederationEnabled, "federation-enabled", false, "maintain an outbound link to a parent exchange")
	fs.StringVar(&cfg.FederationURL, "federation-url", "", "parent exchange websocket URL (e.g. wss://parent.example.com/ws)")
	fs.StringVar(&cfg.FederationPeerID, "federation-peer-id", "parent", "identifier for the parent peer")
	fs.StringVar(&cfg.FederationLocalDomain, "federation-local-domain", "", "domain this exchange announces to the parent")
	fs.StringVar(&cfg.FederationRoutes, "federation-routes", "", "comma-separated glob patterns routed to the parent (e.g. *@*.example.com)")
	fs.StringVar(&cfg.FederationAnnounceRoutes, "federation-announce-routes", "", "comma-separated glob patterns announced to the parent")
	fs.StringVar(&cfg.FederationAuthToken, "federation-auth-token", "", "opaque token forwarded to the parent")
	fs.IntVar(&cfg.FederationReconnectDelayMs, "federation-reconnect-delay-ms", defaultReconnectDelayMs, "delay before reconnecting a dropped federation link")
	fs.IntVar(&cfg.FederationHeartbeatIntervalMs, "federation-heartbeat-interval-ms", defaultFedHeartbeatMs, "keepalive cadence on the federation link")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving the precedence
// CLI flags > env vars > defaults. Flag names map to env vars by upcasing
// and replacing dashes: listen-addr → SYSTEMX_LISTEN_ADDR.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ignoring %s=%q: %v\n", envVar, val, err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr must not be empty")
	}
	if c.HeartbeatIntervalMs < 1 {
		return fmt.Errorf("heartbeat-interval-ms must be positive, got %d", c.HeartbeatIntervalMs)
	}
	if c.HeartbeatTimeoutMs < c.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat-timeout-ms must be at least heartbeat-interval-ms, got %d", c.HeartbeatTimeoutMs)
	}
	if c.CallRingingTimeoutMs < 1 {
		return fmt.Errorf("call-ringing-timeout-ms must be positive, got %d", c.CallRingingTimeoutMs)
	}
	if c.DialRateMaxAttempts < 1 {
		return fmt.Errorf("dial-rate-max-attempts must be positive, got %d", c.DialRateMaxAttempts)
	}
	if c.DialRateWindowMs < 1 {
		return fmt.Errorf("dial-rate-window-ms must be positive, got %d", c.DialRateWindowMs)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if c.FederationEnabled {
		if c.FederationURL == "" {
			return fmt.Errorf("federation-url is required when federation is enabled")
		}
		if c.FederationLocalDomain == "" {
			return fmt.Errorf("federation-local-domain is required when federation is enabled")
		}
		if c.FederationReconnectDelayMs < 1 {
			return fmt.Errorf("federation-reconnect-delay-ms must be positive, got %d", c.FederationReconnectDelayMs)
		}
		if c.FederationHeartbeatIntervalMs < 1 {
			return fmt.Errorf("federation-heartbeat-interval-ms must be positive, got %d", c.FederationHeartbeatIntervalMs)
		}
	}

	return nil
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the staleness threshold as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// RingTimeout returns the unanswered-call timeout as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.CallRingingTimeoutMs) * time.Millisecond
}

// DialWindow returns the dial rate window as a duration.
func (c *Config) DialWindow() time.Duration {
	return time.Duration(c.DialRateWindowMs) * time.Millisecond
}

// FederationReconnectDelay returns the reconnect pause as a duration.
func (c *Config) FederationReconnectDelay() time.Duration {
	return time.Duration(c.FederationReconnectDelayMs) * time.Millisecond
}

// FederationHeartbeatInterval returns the link keepalive cadence.
func (c *Config) FederationHeartbeatInterval() time.Duration {
	return time.Duration(c.FederationHeartbeatIntervalMs) * time.Millisecond
}

// ParseRoutes splits a comma-separated route list, trimming whitespace and
// dropping empty entries.
func ParseRoutes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	routes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			routes = append(routes, p)
		}
	}
	return routes
}
