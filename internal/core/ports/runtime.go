// Package ports defines the interfaces the gateway runtime is assembled from.
package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), remote API, etc.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider authenticates control plane callers.
// Implementations: API key (default), OAuth2, OIDC, etc.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
}

// AuthContext contains authenticated request context.
type AuthContext struct {
	KeyDescription string
	Scopes         []string
}

// StorageProvider persists the invocation audit log.
// Implementations: SQLite (default), in-memory.
type StorageProvider interface {
	InvocationStore
	Close() error
}

// EventPublisher publishes invocation lifecycle events.
// Implementations: direct storage (default), Kafka, NATS, etc.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}

// ExitPolicy decides what a non-zero child exit status means for a
// response that already has a valid header block.
type ExitPolicy interface {
	Name() string

	// HoldResponse reports whether the body must be spooled until the exit
	// status is known, so a rejected exit can still change the status line.
	HoldResponse() bool

	// Check returns an error when exitCode invalidates the response.
	Check(ctx context.Context, exitCode int) error
}
