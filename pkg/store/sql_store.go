package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatelog/gatelog/pkg/event"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLStore is a database/sql backed Store for SQLite and Postgres.
type SQLStore struct {
	db    *sql.DB
	d     dialect
	clock func() time.Time
}

// NewSQLiteStore returns a store over an open SQLite handle and migrates it.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, sqliteDialect, time.Now)
}

// NewPostgresStore returns a store over an open Postgres handle and migrates it.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, postgresDialect, time.Now)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, clock func() time.Time) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, clock: clock}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock replaces the clock used for record and lease times.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return persistErr("migrate", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertEvent(ctx context.Context, ex execer, rec event.Record) error {
	query := s.d.rebind(`INSERT INTO events (id, vehicle_plate, movement_type, location, timestamp, digest, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := ex.ExecContext(ctx, query,
		rec.ID, rec.VehiclePlate, string(rec.MovementType), rec.Location,
		s.d.timeArg(rec.Timestamp), rec.Digest, s.d.timeArg(s.clock()),
	)
	return err
}

// Append implements EventStore.
func (s *SQLStore) Append(ctx context.Context, rec event.Record) (event.Record, error) {
	if err := checkRecord(rec); err != nil {
		return event.Record{}, err
	}
	rec.ID = uuid.NewString()
	if err := s.insertEvent(ctx, s.db, rec); err != nil {
		return event.Record{}, persistErr("append event", err)
	}
	return rec, nil
}

const eventColumns = `id, vehicle_plate, movement_type, location, timestamp, digest`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Record, error) {
	var (
		rec event.Record
		mt  string
		ts  sqlTime
	)
	if err := row.Scan(&rec.ID, &rec.VehiclePlate, &mt, &rec.Location, &ts, &rec.Digest); err != nil {
		return event.Record{}, err
	}
	rec.MovementType = event.MovementType(mt)
	rec.Timestamp = ts.Time
	return rec, nil
}

// Get implements EventStore.
func (s *SQLStore) Get(ctx context.Context, id string) (event.Record, error) {
	query := s.d.rebind(`SELECT ` + eventColumns + ` FROM events WHERE id = ?`)
	rec, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Record{}, ErrNotFound
		}
		return event.Record{}, persistErr("get event", err)
	}
	return rec, nil
}

// ListAll implements EventStore.
func (s *SQLStore) ListAll(ctx context.Context) ([]event.Record, error) {
	query := `SELECT ` + eventColumns + ` FROM events ORDER BY timestamp DESC, ` + s.d.newestLast + ` DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]event.Record, 0)
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, persistErr("scan event", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list events", err)
	}
	return records, nil
}

// RecordAttempt implements AttemptLog.
func (s *SQLStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = s.clock()
	}
	query := s.d.rebind(`INSERT INTO anchor_attempts (id, event_id, digest, target, status, reason, reference, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.EventID, a.Digest, a.Target, string(a.Status), a.Reason, a.Reference, s.d.timeArg(a.AttemptedAt),
	)
	return persistErr("record attempt", err)
}

// ListAttempts implements AttemptLog, oldest first.
func (s *SQLStore) ListAttempts(ctx context.Context, eventID string) ([]Attempt, error) {
	query := s.d.rebind(`SELECT id, event_id, digest, target, status, reason, reference, attempted_at
		FROM anchor_attempts WHERE event_id = ? ORDER BY attempted_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, persistErr("list attempts", err)
	}
	defer func() { _ = rows.Close() }()

	attempts := make([]Attempt, 0)
	for rows.Next() {
		var (
			a      Attempt
			status string
			at     sqlTime
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.Digest, &a.Target, &status, &a.Reason, &a.Reference, &at); err != nil {
			return nil, persistErr("scan attempt", err)
		}
		a.Status = AttemptStatus(status)
		a.AttemptedAt = at.Time
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list attempts", err)
	}
	return attempts, nil
}

// AppendWithJobs implements Outbox.
func (s *SQLStore) AppendWithJobs(ctx context.Context, rec event.Record, targets []string) (event.Record, error) {
	if err := checkRecord(rec); err != nil {
		return event.Record{}, err
	}
	rec.ID = uuid.NewString()
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Record{}, persistErr("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertEvent(ctx, tx, rec); err != nil {
		return event.Record{}, persistErr("append event", err)
	}

	query := s.d.rebind(`INSERT INTO anchor_jobs (id, event_id, digest, target, state, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`)
	for _, target := range targets {
		if _, err := tx.ExecContext(ctx, query,
			uuid.NewString(), rec.ID, rec.Digest, target, string(JobPending), s.d.timeArg(now), s.d.timeArg(now),
		); err != nil {
			return event.Record{}, persistErr("enqueue anchor job", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return event.Record{}, persistErr("commit append", err)
	}
	return rec, nil
}

// ClaimJobs implements Outbox. Candidates are selected and then leased with
// a conditional update, so two workers never hold the same job.
func (s *SQLStore) ClaimJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]OutboxJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock()
	leasedUntil := now.Add(lease)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectDue := s.d.rebind(`SELECT id FROM anchor_jobs
		WHERE state = 'PENDING' AND next_attempt_at <= ? AND (leased_until IS NULL OR leased_until < ?)
		ORDER BY next_attempt_at ASC
		LIMIT ?` + s.d.claimLock)
	rows, err := tx.QueryContext(ctx, selectDue, s.d.timeArg(now), s.d.timeArg(now), limit)
	if err != nil {
		return nil, persistErr("select due jobs", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, persistErr("scan due job", err)
		}
		candidates = append(candidates, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistErr("select due jobs", err)
	}

	leaseJob := s.d.rebind(`UPDATE anchor_jobs SET leased_by = ?, leased_until = ?, attempts = attempts + 1
		WHERE id = ? AND state = 'PENDING' AND (leased_until IS NULL OR leased_until < ?)`)
	claimed := make([]string, 0, len(candidates))
	for _, id := range candidates {
		res, err := tx.ExecContext(ctx, leaseJob, workerID, s.d.timeArg(leasedUntil), id, s.d.timeArg(now))
		if err != nil {
			return nil, persistErr("lease job", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, persistErr("lease job", err)
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit claim", err)
	}

	jobs := make([]OutboxJob, 0, len(claimed))
	for _, id := range claimed {
		job, err := s.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

const jobColumns = `id, event_id, digest, target, state, attempts, next_attempt_at, leased_by, leased_until, last_error, created_at`

func scanJob(row rowScanner) (OutboxJob, error) {
	var (
		job                                OutboxJob
		state                              string
		leasedBy                           sql.NullString
		nextAttempt, leasedUntil, createdAt sqlTime
	)
	if err := row.Scan(&job.ID, &job.EventID, &job.Digest, &job.Target, &state, &job.Attempts,
		&nextAttempt, &leasedBy, &leasedUntil, &job.LastError, &createdAt); err != nil {
		return OutboxJob{}, err
	}
	job.State = JobState(state)
	job.NextAttemptAt = nextAttempt.Time
	job.LeasedBy = leasedBy.String
	job.LeasedUntil = leasedUntil.Time
	job.CreatedAt = createdAt.Time
	return job, nil
}

func (s *SQLStore) getJob(ctx context.Context, id string) (OutboxJob, error) {
	query := s.d.rebind(`SELECT ` + jobColumns + ` FROM anchor_jobs WHERE id = ?`)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OutboxJob{}, ErrNotFound
		}
		return OutboxJob{}, persistErr("get job", err)
	}
	return job, nil
}

// ListJobs implements Outbox.
func (s *SQLStore) ListJobs(ctx context.Context, eventID string) ([]OutboxJob, error) {
	query := s.d.rebind(`SELECT ` + jobColumns + ` FROM anchor_jobs WHERE event_id = ? ORDER BY target ASC`)
	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]OutboxJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, persistErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list jobs", err)
	}
	return jobs, nil
}

// settle applies a lease-guarded update and maps "no row" to ErrLeaseLost.
func (s *SQLStore) settle(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return persistErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrLeaseLost)
	}
	return nil
}

// CompleteJob implements Outbox.
func (s *SQLStore) CompleteJob(ctx context.Context, id, workerID string) error {
	return s.settle(ctx, "complete job",
		`UPDATE anchor_jobs SET state = 'DONE', leased_by = NULL, leased_until = NULL, last_error = ''
		WHERE id = ? AND leased_by = ? AND state = 'PENDING'`,
		id, workerID)
}

// RetryJob implements Outbox.
func (s *SQLStore) RetryJob(ctx context.Context, id, workerID string, next time.Time, reason string) error {
	return s.settle(ctx, "retry job",
		`UPDATE anchor_jobs SET next_attempt_at = ?, leased_by = NULL, leased_until = NULL, last_error = ?
		WHERE id = ? AND leased_by = ? AND state = 'PENDING'`,
		s.d.timeArg(next), reason, id, workerID)
}

// BuryJob implements Outbox.
func (s *SQLStore) BuryJob(ctx context.Context, id, workerID, reason string) error {
	return s.settle(ctx, "bury job",
		`UPDATE anchor_jobs SET state = 'DEAD', leased_by = NULL, leased_until = NULL, last_error = ?
		WHERE id = ? AND leased_by = ? AND state = 'PENDING'`,
		reason, id, workerID)
}
