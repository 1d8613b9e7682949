package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gatelog/gatelog/pkg/canonicalize"
)

// dialect captures the differences between the SQLite and Postgres schemas.
type dialect struct {
	name       string
	schema     []string
	newestLast string // tie-break column for equal timestamps
	claimLock  string // appended to the claim SELECT
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			vehicle_plate TEXT NOT NULL CHECK (vehicle_plate <> ''),
			movement_type TEXT NOT NULL CHECK (movement_type IN ('ENTRY', 'EXIT')),
			location TEXT NOT NULL CHECK (location <> ''),
			timestamp TEXT NOT NULL,
			digest TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_timestamp_idx ON events (timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS anchor_attempts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('SUCCEEDED', 'FAILED')),
			reason TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			attempted_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS anchor_attempts_event_idx ON anchor_attempts (event_id)`,
		`CREATE TABLE IF NOT EXISTS anchor_jobs (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events (id),
			digest TEXT NOT NULL,
			target TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('PENDING', 'DONE', 'DEAD')),
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			leased_by TEXT,
			leased_until TEXT,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE (event_id, target)
		)`,
		`CREATE INDEX IF NOT EXISTS anchor_jobs_due_idx ON anchor_jobs (state, next_attempt_at)`,
	},
	newestLast: "rowid",
}

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			vehicle_plate TEXT NOT NULL CHECK (vehicle_plate <> ''),
			movement_type TEXT NOT NULL CHECK (movement_type IN ('ENTRY', 'EXIT')),
			location TEXT NOT NULL CHECK (location <> ''),
			timestamp TIMESTAMPTZ NOT NULL,
			digest TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_timestamp_idx ON events (timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS anchor_attempts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('SUCCEEDED', 'FAILED')),
			reason TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			attempted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS anchor_attempts_event_idx ON anchor_attempts (event_id)`,
		`CREATE TABLE IF NOT EXISTS anchor_jobs (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events (id),
			digest TEXT NOT NULL,
			target TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('PENDING', 'DONE', 'DEAD')),
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			leased_by TEXT,
			leased_until TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (event_id, target)
		)`,
		`CREATE INDEX IF NOT EXISTS anchor_jobs_due_idx ON anchor_jobs (state, next_attempt_at)`,
	},
	newestLast: "seq",
	claimLock:  " FOR UPDATE SKIP LOCKED",
}

// rebind rewrites ? placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg encodes t for a query argument. SQLite stores fixed-width UTC text
// so lexical order equals time order; a zero time is NULL.
func (d dialect) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if d.name == "sqlite" {
		return canonicalize.FormatTimestamp(t)
	}
	return t.UTC()
}

// sqlTime scans TEXT or TIMESTAMP columns into a time.Time.
type sqlTime struct {
	Time time.Time
}

func (s *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.Time = time.Time{}
	case time.Time:
		s.Time = v.UTC()
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("sqlTime: unsupported type %T", src)
	}
	return nil
}

func (s *sqlTime) parse(v string) error {
	if v == "" {
		s.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("sqlTime: %w", err)
	}
	s.Time = t.UTC()
	return nil
}
