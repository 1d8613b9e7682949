package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatelog/gatelog/pkg/event"
)

// MemoryStore is an in-process Store for development and tests. Contents
// are lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []memEvent
	byID     map[string]int
	attempts []Attempt
	jobs     map[string]*OutboxJob
	seq      int64
	clock    func() time.Time
}

type memEvent struct {
	rec event.Record
	seq int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty store using clock for lease times.
func NewMemoryStoreWithClock(clock func() time.Time) *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]int),
		jobs:  make(map[string]*OutboxJob),
		clock: clock,
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) appendLocked(rec event.Record) event.Record {
	rec.ID = uuid.NewString()
	m.seq++
	m.byID[rec.ID] = len(m.events)
	m.events = append(m.events, memEvent{rec: rec, seq: m.seq})
	return rec
}

// Append implements EventStore.
func (m *MemoryStore) Append(ctx context.Context, rec event.Record) (event.Record, error) {
	if err := ctx.Err(); err != nil {
		return event.Record{}, persistErr("append event", err)
	}
	if err := checkRecord(rec); err != nil {
		return event.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(rec), nil
}

// Get implements EventStore.
func (m *MemoryStore) Get(ctx context.Context, id string) (event.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return event.Record{}, ErrNotFound
	}
	return m.events[i].rec, nil
}

// ListAll implements EventStore.
func (m *MemoryStore) ListAll(ctx context.Context) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistErr("list events", err)
	}
	m.mu.RLock()
	sorted := make([]memEvent, len(m.events))
	copy(sorted, m.events)
	m.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.rec.Timestamp.Equal(b.rec.Timestamp) {
			return a.rec.Timestamp.After(b.rec.Timestamp)
		}
		return a.seq > b.seq
	})

	out := make([]event.Record, len(sorted))
	for i, e := range sorted {
		out[i] = e.rec
	}
	return out, nil
}

// RecordAttempt implements AttemptLog.
func (m *MemoryStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = m.clock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

// ListAttempts implements AttemptLog, oldest first.
func (m *MemoryStore) ListAttempts(ctx context.Context, eventID string) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Attempt, 0)
	for _, a := range m.attempts {
		if a.EventID == eventID {
			out = append(out, a)
		}
	}
	return out, nil
}

// AppendWithJobs implements Outbox.
func (m *MemoryStore) AppendWithJobs(ctx context.Context, rec event.Record, targets []string) (event.Record, error) {
	if err := checkRecord(rec); err != nil {
		return event.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec = m.appendLocked(rec)
	now := m.clock()
	for _, target := range targets {
		id := uuid.NewString()
		m.jobs[id] = &OutboxJob{
			ID:            id,
			EventID:       rec.ID,
			Digest:        rec.Digest,
			Target:        target,
			State:         JobPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
	}
	return rec, nil
}

// ClaimJobs implements Outbox.
func (m *MemoryStore) ClaimJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]OutboxJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	due := make([]*OutboxJob, 0)
	for _, j := range m.jobs {
		if j.State == JobPending && !j.NextAttemptAt.After(now) && (j.LeasedUntil.IsZero() || j.LeasedUntil.Before(now)) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextAttemptAt.Before(due[k].NextAttemptAt) })

	out := make([]OutboxJob, 0, limit)
	for _, j := range due {
		if len(out) >= limit {
			break
		}
		j.LeasedBy = workerID
		j.LeasedUntil = now.Add(lease)
		j.Attempts++
		out = append(out, *j)
	}
	return out, nil
}

func (m *MemoryStore) leased(id, workerID, op string) (*OutboxJob, error) {
	j, ok := m.jobs[id]
	if !ok || j.State != JobPending || j.LeasedBy != workerID {
		return nil, fmt.Errorf("%s: %w", op, ErrLeaseLost)
	}
	return j, nil
}

// CompleteJob implements Outbox.
func (m *MemoryStore) CompleteJob(ctx context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(id, workerID, "complete job")
	if err != nil {
		return err
	}
	j.State = JobDone
	j.LeasedBy, j.LeasedUntil, j.LastError = "", time.Time{}, ""
	return nil
}

// RetryJob implements Outbox.
func (m *MemoryStore) RetryJob(ctx context.Context, id, workerID string, next time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(id, workerID, "retry job")
	if err != nil {
		return err
	}
	j.NextAttemptAt = next
	j.LeasedBy, j.LeasedUntil, j.LastError = "", time.Time{}, reason
	return nil
}

// BuryJob implements Outbox.
func (m *MemoryStore) BuryJob(ctx context.Context, id, workerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(id, workerID, "bury job")
	if err != nil {
		return err
	}
	j.State = JobDead
	j.LeasedBy, j.LeasedUntil, j.LastError = "", time.Time{}, reason
	return nil
}

// ListJobs implements Outbox.
func (m *MemoryStore) ListJobs(ctx context.Context, eventID string) ([]OutboxJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]OutboxJob, 0)
	for _, j := range m.jobs {
		if j.EventID == eventID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Target < out[k].Target })
	return out, nil
}
