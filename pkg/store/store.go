// Package store implements append-only persistence for movement events,
// their anchoring attempt log, and the anchoring outbox.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gatelog/gatelog/pkg/event"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrLeaseLost = errors.New("job lease not held by worker")
)

// PersistenceError reports that storage was unreachable or rejected an
// operation. Callers may retry; the store does not.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// EventStore is the durable, append-only home of event records.
type EventStore interface {
	// Append assigns an ID and persists the record. On success the record is
	// visible to every subsequent read.
	Append(ctx context.Context, rec event.Record) (event.Record, error)

	// Get returns one record by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (event.Record, error)

	// ListAll returns every record, newest timestamp first.
	ListAll(ctx context.Context) ([]event.Record, error)
}

// AttemptStatus is the outcome of one anchoring attempt.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "SUCCEEDED"
	AttemptFailed    AttemptStatus = "FAILED"
)

// Attempt is one try at anchoring a digest to one ledger target.
type Attempt struct {
	ID          string        `json:"id"`
	EventID     string        `json:"eventId"`
	Digest      string        `json:"digest"`
	Target      string        `json:"target"`
	Status      AttemptStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Reference   string        `json:"reference,omitempty"`
	AttemptedAt time.Time     `json:"attemptedAt"`
}

// AttemptLog records anchoring attempts. Entries are never updated.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, eventID string) ([]Attempt, error)
}

// JobState is the lifecycle state of an outbox job.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobDone    JobState = "DONE"
	JobDead    JobState = "DEAD"
)

// OutboxJob asks for one digest to be anchored to one target.
type OutboxJob struct {
	ID            string    `json:"id"`
	EventID       string    `json:"eventId"`
	Digest        string    `json:"digest"`
	Target        string    `json:"target"`
	State         JobState  `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LeasedBy      string    `json:"leasedBy,omitempty"`
	LeasedUntil   time.Time `json:"leasedUntil,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Outbox is the durable anchoring queue. A job reaches JobDone at most once,
// and only through the worker holding its lease.
type Outbox interface {
	// AppendWithJobs persists the record and one pending job per target in a
	// single transaction.
	AppendWithJobs(ctx context.Context, rec event.Record, targets []string) (event.Record, error)

	// ClaimJobs leases up to limit due jobs to workerID.
	ClaimJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]OutboxJob, error)

	// CompleteJob marks a leased job done.
	CompleteJob(ctx context.Context, id, workerID string) error

	// RetryJob releases a leased job to be tried again at next.
	RetryJob(ctx context.Context, id, workerID string, next time.Time, reason string) error

	// BuryJob marks a leased job dead; it is never claimed again.
	BuryJob(ctx context.Context, id, workerID, reason string) error

	// ListJobs returns the jobs of one event.
	ListJobs(ctx context.Context, eventID string) ([]OutboxJob, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	EventStore
	AttemptLog
	Outbox
	Close() error
}

// checkRecord rejects records no backend can store and read back. Timestamps
// outside years 0000-9999 UTC have no fixed-width text form and cannot be
// encoded as JSON.
func checkRecord(rec event.Record) error {
	if rec.VehiclePlate == "" || rec.Location == "" || !rec.MovementType.Valid() {
		return &PersistenceError{Op: "append event", Err: fmt.Errorf("record violates schema")}
	}
	if y := rec.Timestamp.UTC().Year(); y < 0 || y > 9999 {
		return &PersistenceError{Op: "append event", Err: fmt.Errorf("timestamp year %d outside 0000-9999", y)}
	}
	return nil
}
