// Package auth validates control plane API keys against stored hashes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

// Key is a configured API key. Only the SHA-256 hash is retained.
type Key struct {
	KeyHash     string
	Description string
}

// Authenticator validates API keys
type Authenticator struct {
	keys map[string]Key // keyhash -> key
}

// NewAuthenticator creates a new authenticator from configured keys
func NewAuthenticator(keys []config.APIKeyConfig) *Authenticator {
	auth := &Authenticator{
		keys: make(map[string]Key, len(keys)),
	}
	for _, k := range keys {
		if k.KeyHash == "" {
			continue
		}
		auth.keys[strings.ToLower(k.KeyHash)] = Key{KeyHash: strings.ToLower(k.KeyHash), Description: k.Description}
	}
	return auth
}

// Len returns the number of usable keys.
func (a *Authenticator) Len() int {
	return len(a.keys)
}

// ValidateAPIKey validates an API key and returns the matching key
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Key, error) {
	keyHash := HashAPIKey(apiKey)

	k, ok := a.keys[keyHash]
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(k.KeyHash)) != 1 {
		return nil, fmt.Errorf("invalid API key")
	}
	return &k, nil
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
