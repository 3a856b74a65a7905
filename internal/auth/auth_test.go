package auth

import (
	"net/http"
	"testing"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "empty key",
			apiKey:   "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "abc",
			apiKey:   "abc",
			expected: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := HashAPIKey(tt.apiKey)
			if hash != tt.expected {
				t.Errorf("HashAPIKey() = %v, want %v", hash, tt.expected)
			}
		})
	}
}

func TestAuthenticator_ValidateAPIKey(t *testing.T) {
	auth := NewAuthenticator([]config.APIKeyConfig{
		{KeyHash: HashAPIKey("valid-key-1"), Description: "ops"},
		{KeyHash: HashAPIKey("valid-key-2"), Description: "ci"},
		{KeyHash: "", Description: "unset"},
	})
	if auth.Len() != 2 {
		t.Errorf("Len() = %d, want 2", auth.Len())
	}

	tests := []struct {
		name      string
		apiKey    string
		wantDesc  string
		wantError bool
	}{
		{name: "first key", apiKey: "valid-key-1", wantDesc: "ops"},
		{name: "second key", apiKey: "valid-key-2", wantDesc: "ci"},
		{name: "invalid key", apiKey: "invalid-key", wantError: true},
		{name: "empty key", apiKey: "", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := auth.ValidateAPIKey(tt.apiKey)

			if tt.wantError {
				if err == nil {
					t.Error("ValidateAPIKey() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("ValidateAPIKey() unexpected error: %v", err)
			}

			if key.Description != tt.wantDesc {
				t.Errorf("ValidateAPIKey() description = %v, want %v", key.Description, tt.wantDesc)
			}
		})
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		want       string
		wantError  bool
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer test-key-123",
			want:       "test-key-123",
		},
		{
			name:       "bearer lowercase",
			authHeader: "bearer test-key-456",
			want:       "test-key-456",
		},
		{
			name:       "missing bearer prefix",
			authHeader: "test-key-789",
			wantError:  true,
		},
		{
			name:       "basic scheme",
			authHeader: "Basic dXNlcjpwYXNz",
			wantError:  true,
		},
		{
			name:       "empty header",
			authHeader: "",
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", "http://example.com", nil)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}

			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			got, err := ExtractAPIKey(req)

			if tt.wantError {
				if err == nil {
					t.Error("ExtractAPIKey() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("ExtractAPIKey() unexpected error: %v", err)
			}

			if got != tt.want {
				t.Errorf("ExtractAPIKey() = %v, want %v", got, tt.want)
			}
		})
	}
}
