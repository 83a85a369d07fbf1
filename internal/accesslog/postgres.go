package accesslog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/config"
	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/model"
)

var columns = []string{
	"id", "app_id", "route_id", "request_id", "method", "path", "host",
	"status_code", "duration_ms", "bytes_written", "client_ip", "user_agent",
	"auth_scheme", "function_logs", "created_at",
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
	id            uuid PRIMARY KEY,
	app_id        text NOT NULL,
	route_id      text,
	request_id    text NOT NULL,
	method        text NOT NULL,
	path          text NOT NULL,
	host          text NOT NULL,
	status_code   integer NOT NULL,
	duration_ms   double precision NOT NULL,
	bytes_written bigint NOT NULL,
	client_ip     text,
	user_agent    text,
	auth_scheme   text,
	function_logs jsonb,
	created_at    timestamptz NOT NULL
)`

// PostgresStore copies batches into an access log table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
}

// DialPostgres connects to the access log database, retrying until
// maxWait has passed.
func DialPostgres(ctx context.Context, cfg config.PostgresConfig, maxWait time.Duration) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("accesslog: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("accesslog: create pool: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxWait

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pctx)
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn("access log database not reachable, retrying",
			zap.String("host", poolCfg.ConnConfig.Host),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("accesslog: connect postgres: %w", err)
	}

	return NewPostgresStore(pool, cfg.Table), nil
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool, table string) *PostgresStore {
	return &PostgresStore{pool: pool, table: pgx.Identifier{table}}
}

// CreateTable creates the access log table when it does not exist.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(createTableSQL, s.table.Sanitize())); err != nil {
		return fmt.Errorf("accesslog: create table: %w", err)
	}
	return nil
}

// WriteBatch implements Store with a single COPY.
func (s *PostgresStore) WriteBatch(ctx context.Context, batch []*model.AccessLog) error {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		row, err := copyRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	n, err := s.pool.CopyFrom(ctx, s.table, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("accesslog: copy %d rows: %w", len(rows), err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("accesslog: copied %d of %d rows", n, len(rows))
	}
	return nil
}

func copyRow(e *model.AccessLog) ([]any, error) {
	var fnLogs any
	if len(e.FunctionLogs) > 0 {
		data, err := json.Marshal(e.FunctionLogs)
		if err != nil {
			return nil, fmt.Errorf("accesslog: encode function logs: %w", err)
		}
		fnLogs = string(data)
	}
	return []any{
		e.ID,
		e.AppID,
		nullable(e.RouteID),
		e.RequestID,
		e.Method,
		e.Path,
		e.Host,
		int32(e.StatusCode),
		float64(e.Duration) / float64(time.Millisecond),
		e.BytesWritten,
		nullable(e.ClientIP),
		nullable(e.UserAgent),
		nullable(e.AuthScheme),
		fnLogs,
		e.CreatedAt,
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
