// Package sqlite stores deployment history in a local SQLite file, the
// default when history.dsn is a bare path.
package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/deployr/internal/history"
)

type Sink struct {
	*history.SQLSink
	// Path is the database file, ":memory:" for an in-memory database.
	Path string
}

// pragmas applied to file databases: several deployr processes (a serve
// and a CLI run) may share one history file.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// New opens "sqlite:///var/lib/deployr/history.db", a bare path, or
// ":memory:". Missing parent directories of a file are created.
func New(dsn string) (*Sink, error) {
	p := strings.TrimSpace(dsn)
	if len(p) >= len("sqlite://") && strings.EqualFold(p[:len("sqlite://")], "sqlite://") {
		p = p[len("sqlite://"):]
	}
	if p == "" {
		return nil, errors.New("sqlite history: empty path")
	}

	open := p
	if p != ":memory:" {
		file, query, _ := strings.Cut(p, "?")
		if dir := filepath.Dir(file); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("sqlite history: %w", err)
			}
		}
		if !strings.Contains(query, "_pragma") {
			if query != "" {
				query += "&"
			}
			query += pragmas
		}
		open = file + "?" + query
		p = file
	}
	s, err := history.OpenSQL("sqlite", open, history.DialectSQLite)
	if err != nil {
		return nil, err
	}
	return &Sink{SQLSink: s, Path: p}, nil
}
