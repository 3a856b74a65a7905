// Package apikey provides API key-based authentication.
package apikey

import (
	"context"
	"fmt"
	"sync"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

// Provider implements ports.AuthProvider using API key authentication.
type Provider struct {
	mu   sync.RWMutex
	auth *auth.Authenticator
}

var _ ports.AuthProvider = (*Provider)(nil)

// NewProvider creates a new API key auth provider from cfg.Admin.APIKeys.
func NewProvider(cfg *config.Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	p := &Provider{}
	p.ReloadFromConfig(cfg)
	return p, nil
}

// Authenticate validates an API key.
func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	p.mu.RLock()
	a := p.auth
	p.mu.RUnlock()

	key, err := a.ValidateAPIKey(token)
	if err != nil {
		return nil, err
	}

	return &ports.AuthContext{
		KeyDescription: key.Description,
		Scopes:         []string{"admin:read"},
	}, nil
}

// ReloadFromConfig replaces the key set.
// This is called by the gateway when config changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) {
	a := auth.NewAuthenticator(cfg.Admin.APIKeys)
	p.mu.Lock()
	p.auth = a
	p.mu.Unlock()
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	return auth.HashAPIKey(apiKey)
}
