package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/deployr/internal/history"
)

// Options locate the ClickHouse server and table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "deploy_history"
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
			occurred_at DateTime64(6),
			application String,
			environment String,
			host String,
			event String,
			step String,
			outcome LowCardinality(String),
			detail String,
			error String,
			duration_ms Int64
		) ENGINE = MergeTree()
		ORDER BY (application, environment, occurred_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
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
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, application, environment, host, event, step, outcome, detail, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		e.OccurredAt.UTC(),
		e.Application,
		e.Environment,
		e.Host,
		e.Event,
		e.Step,
		string(e.Outcome),
		e.Detail,
		e.Error,
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Recent returns the newest events first.
func (s *Sink) Recent(ctx context.Context, application, environment string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT occurred_at, application, environment, host, event, step, outcome, detail, error, duration_ms
		FROM %s
		WHERE (? = '' OR application = ?) AND (? = '' OR environment = ?)
		ORDER BY occurred_at DESC
		LIMIT %d`, s.table, limit),
		application, application, environment, environment)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e        history.Event
			outcome  string
			duration int64
		)
		if err := rows.Scan(&e.OccurredAt, &e.Application, &e.Environment, &e.Host, &e.Event, &e.Step,
			&outcome, &e.Detail, &e.Error, &duration); err != nil {
			return nil, err
		}
		e.Outcome = history.Outcome(outcome)
		e.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
