// Package dialect isolates the SQL differences between database backends.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// AutoIncrementClause returns the clause for auto-increment primary keys
	AutoIncrementClause() string

	// UpsertClause returns the clause that turns an INSERT into an upsert
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements returns initialization statements run once per connection pool
	PragmaStatements() []string
}

// FromDriverName returns the dialect for a given driver name.
// Only SQLite is linked into the gateway.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (sqliteDialect) AutoIncrementClause() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (sqliteDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", conflictColumn)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s=excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictColumn, strings.Join(updates, ", "))
}

// WAL lets the control plane read while invocations are being recorded.
func (sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
}
