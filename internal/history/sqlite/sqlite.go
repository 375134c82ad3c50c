package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/botvisor/internal/history"
)

// Sink writes history events to a SQLite database. It is the default sink,
// kept in the data dir.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; avoids SQLITE_BUSY between the recorder and readers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			run_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			last_error TEXT,
			started_at TIMESTAMP,
			stopped_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_history_run ON worker_history(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_history(occurred_at, event, run_id, pid, status, exit_code, last_error, started_at, stopped_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.RunID, rec.PID, rec.Status,
		history.NullInt(rec.ExitCode), history.NullString(rec.LastError),
		history.NullTime(rec.StartedAt), history.NullTime(rec.StoppedAt))
	return err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, event, run_id, pid, status, exit_code, last_error, started_at, stopped_at
		FROM worker_history ORDER BY rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e         history.Event
			typ       string
			exitCode  sql.NullInt64
			lastError sql.NullString
			started   sql.NullTime
			stopped   sql.NullTime
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Record.RunID, &e.Record.PID, &e.Record.Status,
			&exitCode, &lastError, &started, &stopped); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		if exitCode.Valid {
			c := int(exitCode.Int64)
			e.Record.ExitCode = &c
		}
		e.Record.LastError = lastError.String
		e.Record.StartedAt = started.Time
		e.Record.StoppedAt = stopped.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
