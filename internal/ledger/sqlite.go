// Package ledger remembers which messages were processed and which events
// were exported, so scheduled runs only emit what is new.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"email2deadline/internal/extract"
	"email2deadline/internal/model"
)

// Ledger is a SQLite-backed export history. It is safe for concurrent use.
type Ledger struct {
	db  *sqlx.DB
	now func() time.Time
}

// Stats summarizes the ledger contents.
type Stats struct {
	Messages   int       `db:"messages" json:"messages"`
	Events     int       `db:"events" json:"events"`
	LastExport time.Time `db:"-" json:"last_export"`
}

type eventRow struct {
	Summary       string    `db:"summary"`
	StartAt       time.Time `db:"start_at"`
	EndAt         time.Time `db:"end_at"`
	AllDay        bool      `db:"all_day"`
	SourceSubject string    `db:"source_subject"`
}

// Open opens (or creates) the ledger database at path, enables WAL mode and
// runs pending migrations. ":memory:" gives a throwaway ledger.
func Open(path string) (*Ledger, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: SQLite has a single writer, and each ":memory:"
	// connection would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, now: time.Now}
	if err := l.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := l.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		if err := l.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := l.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// SeenMessage reports whether key was recorded by RecordMessage.
func (l *Ledger) SeenMessage(ctx context.Context, key string) (bool, error) {
	var n int
	err := l.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE message_key = ?", key)
	if err != nil {
		return false, fmt.Errorf("looking up message %s: %w", key, err)
	}
	return n > 0, nil
}

// RecordMessage marks key as processed. Recording a key twice updates the
// stored details.
func (l *Ledger) RecordMessage(ctx context.Context, key, subject string, receivedAt time.Time, eventCount int) error {
	var received sql.NullTime
	if !receivedAt.IsZero() {
		received = sql.NullTime{Time: receivedAt.UTC(), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (
			message_key, subject, received_at, event_count, processed_at
		) VALUES (?, ?, ?, ?, ?)`,
		key, subject, received, eventCount, l.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording message %s: %w", key, err)
	}
	return nil
}

// FilterNewEvents returns the events whose dedup key was never recorded,
// preserving order.
func (l *Ledger) FilterNewEvents(ctx context.Context, events []model.Event) ([]model.Event, error) {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		var n int
		err := l.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM events WHERE event_key = ?", extract.Key(ev))
		if err != nil {
			return nil, fmt.Errorf("looking up event: %w", err)
		}
		if n == 0 {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RecordEvents stores events in one transaction. Already-known events are
// left untouched.
func (l *Ledger) RecordEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR IGNORE INTO events (
			event_key, summary, start_at, end_at, all_day, source_subject, exported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := l.now().UTC()
	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			extract.Key(ev), ev.Summary, ev.Start.UTC(), ev.End.UTC(),
			boolToInt(ev.AllDay), ev.SourceSubject, now,
		)
		if err != nil {
			return fmt.Errorf("recording event %q: %w", ev.Summary, err)
		}
	}

	return tx.Commit()
}

// Events returns every recorded event ordered by start time, with times
// converted to loc (nil means UTC).
func (l *Ledger) Events(ctx context.Context, loc *time.Location) ([]model.Event, error) {
	if loc == nil {
		loc = time.UTC
	}

	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT summary, start_at, end_at, all_day, source_subject
		FROM events ORDER BY start_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Event{
			Summary:       r.Summary,
			Start:         r.StartAt.In(loc),
			End:           r.EndAt.In(loc),
			AllDay:        r.AllDay,
			SourceSubject: r.SourceSubject,
		})
	}
	return out, nil
}

// Stats counts recorded messages and events.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.GetContext(ctx, &s, `
		SELECT
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COUNT(*) FROM events) AS events`)
	if err != nil {
		return Stats{}, fmt.Errorf("reading stats: %w", err)
	}

	var last []time.Time
	err = l.db.SelectContext(ctx, &last, "SELECT exported_at FROM events ORDER BY exported_at DESC LIMIT 1")
	if err != nil {
		return Stats{}, fmt.Errorf("reading last export: %w", err)
	}
	if len(last) > 0 {
		s.LastExport = last[0].UTC()
	}
	return s, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
