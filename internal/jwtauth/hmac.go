package jwtauth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

type hmacAuthenticator struct {
	cfg    *Config
	secret []byte
}

var _ Authenticator = (*hmacAuthenticator)(nil)

// NewHMAC constructs an Authenticator verifying tokens signed with a shared
// HS256 secret. Intended for single-operator deployments where running a key
// server is overkill, and for tests.
func NewHMAC(cfg *Config, secret []byte) (*hmacAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if len(secret) == 0 {
		return nil, errors.New("secret required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	return &hmacAuthenticator{cfg: cfg, secret: secret}, nil
}

func (a *hmacAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return checkToken(a.cfg, tok, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
}
