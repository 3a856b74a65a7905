// Package memory provides an in-memory invocation log for tests and
// deployments that do not persist history.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
)

const defaultListLimit = 50

// Store is an in-memory implementation of ports.StorageProvider.
type Store struct {
	mu          sync.RWMutex
	invocations map[string]*domain.Invocation
	events      map[string][]*domain.InvocationEvent
	nextEventID int64
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		invocations: make(map[string]*domain.Invocation),
		events:      make(map[string][]*domain.InvocationEvent),
	}
}

func (s *Store) SaveInvocation(ctx context.Context, inv *domain.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	cp := *inv
	if existing, ok := s.invocations[inv.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.invocations[inv.ID] = &cp
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (*domain.Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invocations[id]
	if !ok {
		return nil, fmt.Errorf("invocation %s: %w", id, ports.ErrNotFound)
	}
	cp := *inv
	return &cp, nil
}

func (s *Store) ListInvocations(ctx context.Context, opts domain.ListOptions) ([]*domain.InvocationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.InvocationSummary
	for _, inv := range s.invocations {
		if opts.State != "" && inv.State != opts.State {
			continue
		}
		result = append(result, &domain.InvocationSummary{
			ID:         inv.ID,
			Method:     inv.Method,
			Path:       inv.Path,
			State:      inv.State,
			StatusCode: inv.StatusCode,
			ExitCode:   inv.ExitCode,
			Duration:   inv.Duration,
			CreatedAt:  inv.CreatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(result) {
		return []*domain.InvocationSummary{}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	end := start + limit
	if end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) AppendInvocationEvent(ctx context.Context, event *domain.InvocationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	s.nextEventID++
	event.ID = s.nextEventID
	cp := *event
	s.events[event.InvocationID] = append(s.events[event.InvocationID], &cp)
	return nil
}

func (s *Store) ListInvocationEvents(ctx context.Context, invocationID string) ([]*domain.InvocationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[invocationID]
	out := make([]*domain.InvocationEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
