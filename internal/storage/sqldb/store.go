package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/storage/dialect"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is a SQL implementation of the invocation audit log.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every pooled connection to a private :memory: database is a new database
	if strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
id TEXT PRIMARY KEY,
request_id TEXT NOT NULL DEFAULT '',
method TEXT NOT NULL,
path TEXT NOT NULL,
script_name TEXT NOT NULL DEFAULT '',
executable TEXT NOT NULL DEFAULT '',
state TEXT NOT NULL,
status_code INTEGER NOT NULL DEFAULT 0,
exit_code INTEGER NOT NULL DEFAULT -1,
bytes_in INTEGER NOT NULL DEFAULT 0,
bytes_out INTEGER NOT NULL DEFAULT 0,
stderr TEXT NOT NULL DEFAULT '',
error_kind TEXT NOT NULL DEFAULT '',
error_message TEXT NOT NULL DEFAULT '',
duration_ns INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS invocation_events (
id %s,
invocation_id TEXT NOT NULL,
type TEXT NOT NULL,
data TEXT NOT NULL DEFAULT '',
created_at TIMESTAMP NOT NULL
)`, s.dialect.AutoIncrementClause()),
		`CREATE INDEX IF NOT EXISTS idx_invocations_created ON invocations(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_state ON invocations(state)`,
		`CREATE INDEX IF NOT EXISTS idx_invocation_events_invocation ON invocation_events(invocation_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

var invocationColumns = []string{
	"request_id", "method", "path", "script_name", "executable", "state",
	"status_code", "exit_code", "bytes_in", "bytes_out", "stderr",
	"error_kind", "error_message", "duration_ns",
}

// SaveInvocation inserts an invocation, replacing every column but
// created_at when the id already exists.
func (s *Store) SaveInvocation(ctx context.Context, inv *domain.Invocation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	columns := append([]string{"id"}, invocationColumns...)
	columns = append(columns, "created_at")
	query := fmt.Sprintf(`INSERT INTO invocations (%s) VALUES (:%s) %s`,
		strings.Join(columns, ", "),
		strings.Join(columns, ", :"),
		s.dialect.UpsertClause("id", invocationColumns))

	if _, err := s.db.NamedExecContext(ctx, query, inv); err != nil {
		return fmt.Errorf("failed to save invocation: %w", err)
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (*domain.Invocation, error) {
	query := s.dialect.Rebind(`SELECT id, request_id, method, path, script_name, executable, state,
status_code, exit_code, bytes_in, bytes_out, stderr, error_kind, error_message, duration_ns, created_at
FROM invocations WHERE id = ?`)

	var inv domain.Invocation
	err := s.db.GetContext(ctx, &inv, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invocation %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation: %w", err)
	}
	return &inv, nil
}

func (s *Store) ListInvocations(ctx context.Context, opts domain.ListOptions) ([]*domain.InvocationSummary, error) {
	query := `SELECT id, method, path, state, status_code, exit_code, duration_ns, created_at FROM invocations`
	var args []any
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, clampLimit(opts.Limit), max(opts.Offset, 0))

	summaries := []*domain.InvocationSummary{}
	if err := s.db.SelectContext(ctx, &summaries, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	return summaries, nil
}

func (s *Store) AppendInvocationEvent(ctx context.Context, event *domain.InvocationEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := s.dialect.Rebind(`INSERT INTO invocation_events (invocation_id, type, data, created_at)
VALUES (?, ?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query, event.InvocationID, event.Type, string(event.Data), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append invocation event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// eventRow is the scanned form of an event; data is stored as TEXT.
type eventRow struct {
	ID           int64     `db:"id"`
	InvocationID string    `db:"invocation_id"`
	Type         string    `db:"type"`
	Data         string    `db:"data"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *Store) ListInvocationEvents(ctx context.Context, invocationID string) ([]*domain.InvocationEvent, error) {
	query := s.dialect.Rebind(`SELECT id, invocation_id, type, data, created_at
FROM invocation_events WHERE invocation_id = ? ORDER BY id ASC`)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, invocationID); err != nil {
		return nil, fmt.Errorf("failed to list invocation events: %w", err)
	}

	events := make([]*domain.InvocationEvent, 0, len(rows))
	for _, r := range rows {
		ev := &domain.InvocationEvent{
			ID:           r.ID,
			InvocationID: r.InvocationID,
			Type:         r.Type,
			CreatedAt:    r.CreatedAt,
		}
		if r.Data != "" {
			ev.Data = []byte(r.Data)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
