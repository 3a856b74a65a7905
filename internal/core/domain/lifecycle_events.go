package domain

import (
	"encoding/json"
	"time"
)

// LifecycleEvent represents a high-level lifecycle event for an invocation.
// Events are published to an EventPublisher for decoupled consumers.
type LifecycleEvent struct {
	Type         LifecycleEventType `json:"type"`
	InvocationID string             `json:"invocation_id"`
	Timestamp    time.Time          `json:"timestamp"`
	Data         interface{}        `json:"data"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	LifecycleEventStarted   LifecycleEventType = "invocation.started"
	LifecycleEventCompleted LifecycleEventType = "invocation.completed"
	LifecycleEventFailed    LifecycleEventType = "invocation.failed"
	LifecycleEventRedirect  LifecycleEventType = "invocation.redirect"
)

// LifecycleStartedData contains data for invocation.started events.
type LifecycleStartedData struct {
	Executable string `json:"executable"`
	ScriptName string `json:"script_name"`
	PID        int    `json:"pid"`
}

// LifecycleCompletedData contains data for invocation.completed events.
type LifecycleCompletedData struct {
	State      InvocationState `json:"state"`
	StatusCode int             `json:"status_code"`
	ExitCode   int             `json:"exit_code"`
	Duration   time.Duration   `json:"duration_ns"`
}

// LifecycleFailedData contains data for invocation.failed events.
type LifecycleFailedData struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// LifecycleRedirectData contains data for invocation.redirect events.
type LifecycleRedirectData struct {
	Location string `json:"location"`
	Hop      int    `json:"hop"`
}

// InvocationEvent is the stored form of a lifecycle event.
// It is append-only and grouped by InvocationID to form a timeline.
type InvocationEvent struct {
	ID           int64           `json:"id" db:"id"`
	InvocationID string          `json:"invocation_id" db:"invocation_id"`
	Type         string          `json:"type" db:"type"`
	Data         json.RawMessage `json:"data,omitempty" db:"data"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
