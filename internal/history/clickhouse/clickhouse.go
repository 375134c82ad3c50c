package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/botvisor/internal/history"
)

// Options selects the server and table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the table if missing.
func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = "worker_history"
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event String,
			occurred_at DateTime64(6),
			run_id String,
			pid Int32,
			status String,
			exit_code Nullable(Int32),
			last_error Nullable(String),
			started_at Nullable(DateTime64(6)),
			stopped_at Nullable(DateTime64(6))
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, run_id)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	query := fmt.Sprintf(`INSERT INTO %s (event, occurred_at, run_id, pid, status, exit_code, last_error, started_at, stopped_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var exitCode *int32
	if rec.ExitCode != nil {
		c := int32(*rec.ExitCode)
		exitCode = &c
	}
	var lastError *string
	if rec.LastError != "" {
		lastError = &rec.LastError
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt.UTC(),
		rec.RunID,
		int32(rec.PID),
		rec.Status,
		exitCode,
		lastError,
		timePtr(rec.StartedAt),
		timePtr(rec.StoppedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
