// Package config carries process-level configuration for a chainview server.
// Defaults live in the struct tags; FromEnv populates everything from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

type Config struct {
	// ListenAddr is the HTTP listen address. ENV: CHAINVIEW_LISTEN_ADDR
	ListenAddr string `env:"CHAINVIEW_LISTEN_ADDR,default=127.0.0.1:8080"`

	// PollWait bounds how long a long-poll request blocks before returning
	// an empty batch. ENV: CHAINVIEW_POLL_WAIT
	PollWait time.Duration `env:"CHAINVIEW_POLL_WAIT,default=25s"`

	// GCInterval is the cadence of the session garbage collector. Zero
	// disables the ticker; GC then only runs when triggered explicitly.
	// ENV: CHAINVIEW_GC_INTERVAL
	GCInterval time.Duration `env:"CHAINVIEW_GC_INTERVAL,default=1m"`

	// BlocksDir is the node's block-file directory watched for new blocks.
	// Empty disables the block watcher. ENV: CHAINVIEW_BLOCKS_DIR
	BlocksDir string `env:"CHAINVIEW_BLOCKS_DIR"`

	// RedisAddr enables the Redis-backed watch index when set, like
	// "localhost:6379". Empty selects the in-memory index.
	// ENV: CHAINVIEW_REDIS_ADDR
	RedisAddr string `env:"CHAINVIEW_REDIS_ADDR"`

	// Auth is enabled when JWKSURL or HMACSecret is set.
	Auth AuthConfig
}

// AuthConfig configures bearer-token validation on the transports.
type AuthConfig struct {
	// JWKSURL is the key-set endpoint for RS256 validation.
	// ENV: CHAINVIEW_AUTH_JWKS_URL
	JWKSURL string `env:"CHAINVIEW_AUTH_JWKS_URL"`

	// HMACSecret selects HS256 validation with a shared secret. Mutually
	// exclusive with JWKSURL. ENV: CHAINVIEW_AUTH_HMAC_SECRET
	HMACSecret string `env:"CHAINVIEW_AUTH_HMAC_SECRET"`

	// Issuer is the required token issuer. ENV: CHAINVIEW_AUTH_ISSUER
	Issuer string `env:"CHAINVIEW_AUTH_ISSUER"`

	// Audience is the expected token audience. ENV: CHAINVIEW_AUTH_AUDIENCE
	Audience string `env:"CHAINVIEW_AUTH_AUDIENCE"`
}

// Enabled reports whether any token validation backend is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWKSURL != "" || a.HMACSecret != ""
}

// Validate catches configurations that would fail at wiring time.
func (c *Config) Validate() error {
	if c.Auth.JWKSURL != "" && c.Auth.HMACSecret != "" {
		return fmt.Errorf("auth: JWKS URL and HMAC secret are mutually exclusive")
	}
	if c.Auth.Enabled() {
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth: issuer is required when auth is enabled")
		}
		if c.Auth.Audience == "" {
			return fmt.Errorf("auth: audience is required when auth is enabled")
		}
	}
	return nil
}

// FromEnv builds a Config from the environment, applying tag defaults.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode errors when no fields are set at all; tag defaults still
		// apply, so only strict failures matter here.
		if err != envdecode.ErrNoTargetFieldsAreSet {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
