package ports

import (
	"context"
	"errors"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// InvocationStore defines the interface for the invocation audit log.
type InvocationStore interface {
	// SaveInvocation inserts or replaces an invocation record
	SaveInvocation(ctx context.Context, inv *domain.Invocation) error

	// GetInvocation retrieves an invocation by ID
	GetInvocation(ctx context.Context, id string) (*domain.Invocation, error)

	// ListInvocations lists invocations, newest first
	ListInvocations(ctx context.Context, opts domain.ListOptions) ([]*domain.InvocationSummary, error)

	// AppendInvocationEvent appends a lifecycle event to an invocation's timeline
	AppendInvocationEvent(ctx context.Context, event *domain.InvocationEvent) error

	// ListInvocationEvents returns events for an invocation ordered by time
	ListInvocationEvents(ctx context.Context, invocationID string) ([]*domain.InvocationEvent, error)
}
