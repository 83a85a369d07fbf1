package accesslog

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gocloud.dev/pubsub"

	"github.com/wudi/appgate/internal/config"
	"github.com/wudi/appgate/internal/model"
)

func sampleEntry() *model.AccessLog {
	return &model.AccessLog{
		ID:           uuid.NewString(),
		AppID:        "app-1",
		RouteID:      "hello",
		RequestID:    "req-1",
		Method:       "GET",
		Path:         "/api/hello",
		Host:         "demo.apps.example.com",
		StatusCode:   200,
		Duration:     1500 * time.Microsecond,
		BytesWritten: 2,
		FunctionLogs: []model.FunctionLogEntry{{Level: "info", Message: "called"}},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestLoggerStore(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLoggerStore(zap.New(core))

	if err := s.WriteBatch(context.Background(), []*model.AccessLog{sampleEntry(), sampleEntry()}); err != nil {
		t.Fatal(err)
	}
	if logs.Len() != 2 {
		t.Fatalf("expected one line per entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["app_id"] != "app-1" || fields["route_id"] != "hello" {
		t.Errorf("unexpected fields %v", fields)
	}
	if logs.All()[0].LoggerName != "access" {
		t.Errorf("expected logger name access, got %q", logs.All()[0].LoggerName)
	}
}

func TestTopicStore(t *testing.T) {
	ctx := context.Background()
	url := "mem://access-logs-" + uuid.NewString()

	s, err := OpenTopic(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Shutdown(ctx)

	if err := s.WriteBatch(ctx, []*model.AccessLog{sampleEntry(), sampleEntry()}); err != nil {
		t.Fatal(err)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	msg.Ack()

	var got []model.AccessLog
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || msg.Metadata["count"] != "2" {
		t.Errorf("expected one message carrying 2 entries, got %d (%v)", len(got), msg.Metadata)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestCopyRow(t *testing.T) {
	e := sampleEntry()
	e.UserAgent = ""
	row, err := copyRow(e)
	if err != nil {
		t.Fatal(err)
	}
	if len(row) != len(columns) {
		t.Fatalf("row has %d values for %d columns", len(row), len(columns))
	}
	if row[8].(float64) != 1.5 {
		t.Errorf("expected duration in milliseconds, got %v", row[8])
	}
	if row[11] != nil {
		t.Error("empty strings should be stored as NULL")
	}
	if fn, ok := row[13].(string); !ok || fn == "" {
		t.Errorf("function logs should be JSON, got %v", row[13])
	}
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(context.Background(), config.AccessLogConfig{Store: config.AccessLogStoreLogger}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*LoggerStore); !ok {
		t.Errorf("expected logger store, got %T", s)
	}
	if _, err := OpenStore(context.Background(), config.AccessLogConfig{Store: "kafka"}, time.Second); err == nil {
		t.Error("unknown stores should be rejected")
	}
}

// Runs against a real database when APPGATE_TEST_POSTGRES_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("APPGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("APPGATE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	table := "access_logs_test_" + time.Now().Format("150405")

	s, err := DialPostgres(ctx, config.PostgresConfig{DSN: dsn, Table: table}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.CreateTable(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.pool.Exec(ctx, "DROP TABLE "+s.table.Sanitize())

	if err := s.WriteBatch(ctx, []*model.AccessLog{sampleEntry(), sampleEntry(), sampleEntry()}); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+s.table.Sanitize()).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 rows, got %d", n)
	}
}
