package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Open returns the Store named by url:
//
//	postgres://... or postgresql://...  Postgres via lib/pq
//	sqlite://path, file:path, or a bare path  SQLite via modernc.org/sqlite
//	memory://  in-process MemoryStore
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		return NewMemoryStore(), nil

	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, persistErr("open postgres", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, persistErr("ping postgres", err)
		}
		s, err := NewPostgresStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil

	default:
		db, err := sql.Open("sqlite", sqliteDSN(url))
		if err != nil {
			return nil, persistErr("open sqlite", err)
		}
		// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
		s, err := NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	}
}

func sqliteDSN(url string) string {
	path := strings.TrimPrefix(url, "sqlite://")
	if path == ":memory:" || strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path, sep)
}
