// Package eventlog appends every Event Bus publication to a local SQLite
// database for post-restart inspection. It is purely observational: the
// orchestrator never reads this database back at runtime.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/quietloop/planloop/eventbus"
)

// DB wraps the SQLite connection backing the event log.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the event log database at dbPath, creating its
// parent directory and running migrations as needed.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create eventlog directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open eventlog database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	d := &DB{DB: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog migration failed: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Migration 1: a single append-only events table.
const migration1 = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    ticket_id TEXT,
    agent_id TEXT,
    occurred_at DATETIME NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_ticket ON events(ticket_id);
`

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.DB.Close()
}

// record is the JSON shape persisted in events.payload — a flattened,
// storable view of eventbus.Event, dropping the unserializable Err field
// down to its message string.
type record struct {
	PreviousStatus string         `json:"previousStatus,omitempty"`
	NewStatus      string         `json:"newStatus,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ReadyTicketIDs []string       `json:"readyTicketIds,omitempty"`
	LastAction     string         `json:"lastAction,omitempty"`
	Progress       int            `json:"progress,omitempty"`
	TokensUsed     int            `json:"tokensUsed,omitempty"`
	Cost           float64        `json:"cost,omitempty"`
	BlockReason    string         `json:"blockReason,omitempty"`
	Err            string         `json:"err,omitempty"`
	Level          string         `json:"level,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Append inserts a single event row. It never returns an error to its
// caller's caller in Sink's usage — logging failures must not interrupt
// the orchestrator — but is exposed directly for tests.
func (d *DB) Append(e eventbus.Event) error {
	r := record{
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		Reason:         e.Reason,
		ReadyTicketIDs: e.ReadyTicketIDs,
		LastAction:     e.LastAction,
		Progress:       e.Progress,
		TokensUsed:     e.TokensUsed,
		Cost:           e.Cost,
		BlockReason:    e.BlockReason,
		Level:          e.Level,
		Message:        e.Message,
		Data:           e.Data,
	}
	if e.Err != nil {
		r.Err = e.Err.Error()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	_, err = d.Exec(
		`INSERT INTO events (type, ticket_id, agent_id, occurred_at, payload) VALUES (?, ?, ?, ?, ?)`,
		string(e.Type), nullableString(e.TicketID), nullableString(e.AgentID), e.Timestamp, string(payload),
	)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
