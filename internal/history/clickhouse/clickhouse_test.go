package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/botvisor/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns the
// native protocol address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr, Table: "worker_history_test"})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	rec := history.Record{RunID: "run-ch", PID: 777, Status: history.StatusRunning, StartedAt: time.Now().UTC()}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("send start: %v", err)
	}
	code := -1
	rec.Status = history.StatusStopped
	rec.ExitCode = &code
	rec.LastError = "killed"
	rec.StoppedAt = time.Now().UTC()
	if err := sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: rec.StoppedAt, Record: rec}); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	var count uint64
	row := sink.conn.QueryRow(ctx, "SELECT count() FROM worker_history_test WHERE run_id = ?", rec.RunID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestClickHouseSink_InvalidTable(t *testing.T) {
	if _, err := New(Options{Addr: "127.0.0.1:1", Table: "bad;drop"}); err == nil {
		t.Fatalf("expected invalid table error")
	}
}
