// Package config loads the relay's settings from the environment. An
// optional .env file in the working directory is read first; variables
// already set in the environment take precedence over it.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds all process settings.
type Config struct {
	// Listen
	Port       int    `env:"PORT,default=3000"`
	ListenAddr string `env:"LISTEN_ADDR"` // overrides Port when set

	// Upstream
	UpstreamBaseURL string        `env:"UPSTREAM_BASE_URL,default=https://api.browserbase.com/v1"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,default=60s"` // non-streamed calls only

	// Relay
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=15s"`
	MaxSessions       int           `env:"MAX_SESSIONS,default=10000"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// Logging
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=text"`
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB,default=100"`

	// Cluster
	RedisAddr  string `env:"REDIS_ADDR"` // empty disables the session directory
	NATSURL    string `env:"NATS_URL"`   // empty disables submit forwarding
	ServerName string `env:"SERVER_NAME"`
}

// Load reads envFile (if it exists) and decodes the environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName = defaultServerName()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" && (c.Port <= 0 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("LISTEN_ADDR %q: %w", c.ListenAddr, err))
		}
	}
	if u, err := url.Parse(c.UpstreamBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_BASE_URL %q is not an absolute URL", c.UpstreamBaseURL))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.UpstreamTimeout < 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("MAX_SESSIONS must not be negative"))
	}
	if c.NATSURL != "" && c.RedisAddr == "" {
		errs = append(errs, errors.New("NATS_URL requires REDIS_ADDR to locate session owners"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the address to listen on.
func (c Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":" + strconv.Itoa(c.Port)
}

// ClusterEnabled reports whether a shared session directory is configured.
func (c Config) ClusterEnabled() bool {
	return c.RedisAddr != ""
}

func defaultServerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "relay-" + uuid.NewString()[:8]
}
