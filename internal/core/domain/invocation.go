package domain

import (
	"time"
)

// InvocationState is the terminal or transient state of one CGI invocation.
type InvocationState string

const (
	StateSpawned     InvocationState = "spawned"
	StateRunning     InvocationState = "running"
	StateCompleted   InvocationState = "completed"
	StateTimedOut    InvocationState = "timed_out"
	StateKilled      InvocationState = "killed"
	StateSpawnFailed InvocationState = "spawn_failed"
)

// Terminal reports whether no further transition is possible.
func (s InvocationState) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateKilled, StateSpawnFailed:
		return true
	}
	return false
}

// Invocation is the audit record for one CGI execution.
type Invocation struct {
	// ID uniquely identifies this invocation
	ID string `json:"id" db:"id"`

	// RequestID correlates with the X-Request-ID of the HTTP request
	RequestID string `json:"request_id" db:"request_id"`

	Method string `json:"method" db:"method"`
	Path   string `json:"path" db:"path"`

	// ScriptName is the SCRIPT_NAME presented to the child
	ScriptName string `json:"script_name" db:"script_name"`

	// Executable is the program that was spawned (interpreter or script)
	Executable string `json:"executable" db:"executable"`

	State      InvocationState `json:"state" db:"state"`
	StatusCode int             `json:"status_code" db:"status_code"`

	// ExitCode is -1 when the child was killed by a signal or never started
	ExitCode int `json:"exit_code" db:"exit_code"`

	BytesIn  int64 `json:"bytes_in" db:"bytes_in"`
	BytesOut int64 `json:"bytes_out" db:"bytes_out"`

	// Stderr is a bounded excerpt of the child's stderr
	Stderr string `json:"stderr,omitempty" db:"stderr"`

	ErrorKind    string `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	Duration  time.Duration `json:"duration_ns" db:"duration_ns"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// InvocationSummary is a lightweight view for listing.
type InvocationSummary struct {
	ID         string          `json:"id" db:"id"`
	Method     string          `json:"method" db:"method"`
	Path       string          `json:"path" db:"path"`
	State      InvocationState `json:"state" db:"state"`
	StatusCode int             `json:"status_code" db:"status_code"`
	ExitCode   int             `json:"exit_code" db:"exit_code"`
	Duration   time.Duration   `json:"duration_ns" db:"duration_ns"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// ListOptions controls invocation listing.
type ListOptions struct {
	Limit  int
	Offset int
	State  InvocationState
}
