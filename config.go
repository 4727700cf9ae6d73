package relay

import (
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/poastlabs/oauth-relay/instrumentation"
)

// Config holds the relay configuration shared by the coordinator, the
// callback ingress and the wait primitive.
type Config struct {
	// CallbackPath is the HTTP path the OAuth provider redirects to.
	CallbackPath string `env:"OAUTH_CALLBACK_PATH"`

	// CodeKeys are the payload keys checked for an authorization code,
	// in priority order. Matching is case-insensitive.
	CodeKeys []string `env:"OAUTH_CODE_KEYS" envSeparator:","`

	// SocketPath is the unix socket the coordinator listens on.
	SocketPath string `env:"OAUTH_SOCKET_PATH"`

	// TCPBindAddress is the interface the TCP fallback listener binds to.
	// Anything other than loopback defeats the local-only transport design.
	TCPBindAddress string `env:"OAUTH_TCP_BIND_ADDRESS"`

	// TCPHost is the address waiters dial in TCP fallback mode.
	TCPHost string `env:"OAUTH_TCP_HOST"`

	// TCPPort is the port used by the TCP fallback listener and dialers.
	TCPPort int `env:"OAUTH_TCP_FALLBACK_PORT"`

	// DefaultTimeout bounds a wait when the caller does not pass its own
	// timeout. Also the server-side registration deadline.
	DefaultTimeout time.Duration `env:"OAUTH_DEFAULT_TIMEOUT"`

	// LogUnmatched controls whether callbacks that find no waiter are
	// logged. The 404 response is returned regardless.
	LogUnmatched bool `env:"OAUTH_LOG_UNMATCHED"`

	// UseTCP forces the loopback TCP fallback over the unix socket.
	// Implied on platforms without unix domain sockets.
	UseTCP bool `env:"OAUTH_USE_TCP"`

	// RateLimit configures per-IP limiting of the callback endpoint.
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses slog.Default if not provided)
	Logger *slog.Logger `env:"-"`

	// Instrumentation enables metrics and tracing (optional).
	Instrumentation *instrumentation.Instrumentation `env:"-"`
}

// RateLimitConfig holds callback rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int `env:"OAUTH_RATE_LIMIT"`

	// Burst is the maximum burst size allowed per IP.
	Burst int `env:"OAUTH_RATE_BURST"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `env:"OAUTH_TRUST_PROXY"`

	// TrustedProxyCount is how many proxies to trust from the right of
	// X-Forwarded-For. Zero assumes one.
	TrustedProxyCount int `env:"OAUTH_TRUSTED_PROXY_COUNT"`
}

// DefaultConfig returns the stock configuration: callback on /oauth/callback,
// unix socket transport, five minute wait timeout, unmatched logging on.
func DefaultConfig() Config {
	return Config{
		CallbackPath:   "/oauth/callback",
		CodeKeys:       []string{"code", "authorization_code"},
		SocketPath:     "/tmp/poast-relay-oauth.sock",
		TCPBindAddress: "127.0.0.1",
		TCPHost:        "127.0.0.1",
		TCPPort:        9999,
		DefaultTimeout: 300 * time.Second,
		LogUnmatched:   true,
	}
}

// ConfigFromEnv builds a Config from OAUTH_* environment variables on top of
// the defaults. Durations use Go syntax (e.g. "300s", "5m").
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse relay environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("callback path %q must start with /", c.CallbackPath)
	}
	if len(c.CodeKeys) == 0 {
		return fmt.Errorf("at least one code key is required")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive, got %v", c.DefaultTimeout)
	}
	if c.forceTCP() {
		if c.TCPPort <= 0 || c.TCPPort > 65535 {
			return fmt.Errorf("tcp fallback port %d out of range", c.TCPPort)
		}
	} else if c.SocketPath == "" {
		return fmt.Errorf("socket path is required unless tcp fallback is enabled")
	}
	return nil
}

// forceTCP reports whether this deployment uses the loopback TCP fallback.
// Windows has no portable unix domain socket support for this use case.
func (c Config) forceTCP() bool {
	return c.UseTCP || runtime.GOOS == "windows"
}

// listenNetwork returns the network and address the coordinator listens on.
func (c Config) listenNetwork() (network, address string) {
	if c.forceTCP() {
		return "tcp", net.JoinHostPort(c.TCPBindAddress, strconv.Itoa(c.TCPPort))
	}
	return "unix", c.SocketPath
}

// dialNetwork returns the network and address waiters connect to.
func (c Config) dialNetwork() (network, address string) {
	if c.forceTCP() {
		return "tcp", net.JoinHostPort(c.TCPHost, strconv.Itoa(c.TCPPort))
	}
	return "unix", c.SocketPath
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
