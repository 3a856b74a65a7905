// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store ports.InvocationStore
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.InvocationStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("storage provider required")
	}

	return &Publisher{
		store: store,
	}, nil
}

// Publish appends a lifecycle event to the invocation's timeline.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	var data json.RawMessage
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal %s data: %w", event.Type, err)
		}
		data = raw
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return p.store.AppendInvocationEvent(ctx, &domain.InvocationEvent{
		InvocationID: event.InvocationID,
		Type:         string(event.Type),
		Data:         data,
		CreatedAt:    ts,
	})
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
