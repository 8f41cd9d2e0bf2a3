package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dialect selects placeholder and DDL flavor for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to the deploy_history table. The sqlite and
// postgres packages open the database with their driver and wrap it.
// The schema is created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens driver/dsn and prepares the schema.
func OpenSQL(driver, dsn string, dialect Dialect) (*SQLSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty DSN for SQL history sink")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == DialectSQLite {
		// a single connection keeps :memory: databases alive across calls
		s.db.SetMaxOpenConns(1)
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS deploy_history(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at TIMESTAMP NOT NULL,
				application TEXT NOT NULL,
				environment TEXT NOT NULL,
				host TEXT NOT NULL,
				event TEXT NOT NULL,
				step TEXT NOT NULL,
				outcome TEXT NOT NULL,
				detail TEXT NULL,
				error TEXT NULL,
				duration_ms INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_deploy_history_job ON deploy_history(application, environment);`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS deploy_history(
				id BIGSERIAL PRIMARY KEY,
				occurred_at TIMESTAMPTZ NOT NULL,
				application TEXT NOT NULL,
				environment TEXT NOT NULL,
				host TEXT NOT NULL,
				event TEXT NOT NULL,
				step TEXT NOT NULL,
				outcome TEXT NOT NULL,
				detail TEXT NULL,
				error TEXT NULL,
				duration_ms BIGINT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_deploy_history_job ON deploy_history(application, environment);`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLSink) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO deploy_history(occurred_at, application, environment, host, event, step, outcome, detail, error, duration_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		e.OccurredAt.UTC(), e.Application, e.Environment, e.Host, e.Event, e.Step, string(e.Outcome),
		nullable(e.Detail), nullable(e.Error), e.Duration.Milliseconds())
	return err
}

// Recent returns the newest events first. Empty application or environment
// match everything.
func (s *SQLSink) Recent(ctx context.Context, application, environment string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT occurred_at, application, environment, host, event, step, outcome, detail, error, duration_ms
		FROM deploy_history
		WHERE (? = '' OR application = ?) AND (? = '' OR environment = ?)
		ORDER BY id DESC
		LIMIT ?;`),
		application, application, environment, environment, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e             Event
			outcome       string
			detail, errS  sql.NullString
			durationMilli int64
		)
		if err := rows.Scan(&e.OccurredAt, &e.Application, &e.Environment, &e.Host, &e.Event, &e.Step,
			&outcome, &detail, &errS, &durationMilli); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		e.Detail = detail.String
		e.Error = errS.String
		e.Duration = time.Duration(durationMilli) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
