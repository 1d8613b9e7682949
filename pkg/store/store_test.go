package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelog/gatelog/pkg/event"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock func() time.Time) Store

func newSQLiteTestStore(t *testing.T, clock func() time.Time) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := newSQLStore(context.Background(), db, sqliteDialect, clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryTestStore(t *testing.T, clock func() time.Time) Store {
	return NewMemoryStoreWithClock(clock)
}

var factories = map[string]storeFactory{
	"sqlite": newSQLiteTestStore,
	"memory": newMemoryTestStore,
}

func record(plate string, mt event.MovementType, loc string, ts time.Time) event.Record {
	return event.New(event.Submission{
		VehiclePlate: plate,
		MovementType: string(mt),
		Location:     loc,
		Timestamp:    &ts,
	}, ts)
}

func TestStore_AppendAndGet(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, time.Now)

			ts := time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)
			in := record("ABC-1234", event.Entry, "Gate 1", ts)

			saved, err := s.Append(ctx, in)
			require.NoError(t, err)
			require.NotEmpty(t, saved.ID)

			got, err := s.Get(ctx, saved.ID)
			require.NoError(t, err)
			assert.Equal(t, saved.ID, got.ID)
			assert.Equal(t, "ABC-1234", got.VehiclePlate)
			assert.Equal(t, event.Entry, got.MovementType)
			assert.Equal(t, "Gate 1", got.Location)
			assert.True(t, got.Timestamp.Equal(ts), "timestamp %s != %s", got.Timestamp, ts)
			assert.Equal(t, in.Digest, got.Digest)
			assert.True(t, got.Verify(), "stored record must reproduce its digest")
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			_, err := factory(t, time.Now).Get(context.Background(), "does-not-exist")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DistinctIDs(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, time.Now)
			ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			a, err := s.Append(ctx, record("ABC-1234", event.Entry, "Gate 1", ts))
			require.NoError(t, err)
			b, err := s.Append(ctx, record("ABC-1234", event.Entry, "Gate 1", ts))
			require.NoError(t, err)

			assert.NotEqual(t, a.ID, b.ID)
			assert.Equal(t, a.Digest, b.Digest)
		})
	}
}

func TestStore_ListAllNewestFirst(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, time.Now)

			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			t1, t2, t3 := base, base.Add(time.Hour), base.Add(2*time.Hour)

			for _, r := range []event.Record{
				record("P1", event.Entry, "Gate 1", t1),
				record("P3a", event.Entry, "Gate 1", t3),
				record("P2", event.Exit, "Gate 2", t2),
				record("P3b", event.Exit, "Gate 1", t3),
			} {
				_, err := s.Append(ctx, r)
				require.NoError(t, err)
			}

			list, err := s.ListAll(ctx)
			require.NoError(t, err)
			require.Len(t, list, 4)

			plates := make([]string, len(list))
			for i, r := range list {
				plates[i] = r.VehiclePlate
			}
			assert.Equal(t, []string{"P3b", "P3a", "P2", "P1"}, plates)
		})
	}
}

func TestStore_ListAllEmpty(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			list, err := factory(t, time.Now).ListAll(context.Background())
			require.NoError(t, err)
			assert.NotNil(t, list)
			assert.Empty(t, list)
		})
	}
}

func TestStore_RejectsInvalidMovementType(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			s := factory(t, time.Now)
			bad := record("XYZ", event.Entry, "Gate 2", time.Now())
			bad.MovementType = "PARKED"

			_, err := s.Append(context.Background(), bad)
			var pe *PersistenceError
			require.True(t, errors.As(err, &pe), "expected PersistenceError, got %v", err)

			list, err := s.ListAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestStore_TimestampYearBounds(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			s := factory(t, time.Now)
			ctx := context.Background()

			for _, ts := range []time.Time{
				time.Date(-1, 12, 31, 23, 0, 0, 0, time.UTC),
				time.Date(10000, 1, 1, 0, 30, 0, 0, time.UTC),
			} {
				_, err := s.Append(ctx, record("XYZ", event.Entry, "Gate 2", ts))
				var pe *PersistenceError
				require.True(t, errors.As(err, &pe), "year %d: expected PersistenceError, got %v", ts.Year(), err)
				_, err = s.AppendWithJobs(ctx, record("XYZ", event.Entry, "Gate 2", ts), []string{"local"})
				require.True(t, errors.As(err, &pe), "year %d: expected PersistenceError, got %v", ts.Year(), err)
			}

			first := time.Date(0, 1, 1, 1, 30, 0, 0, time.UTC)
			last := time.Date(9999, 12, 31, 22, 30, 0, 0, time.UTC)
			for _, ts := range []time.Time{first, last} {
				_, err := s.Append(ctx, record("XYZ", event.Entry, "Gate 2", ts))
				require.NoError(t, err)
			}

			list, err := s.ListAll(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.True(t, list[0].Timestamp.Equal(last))
			assert.True(t, list[1].Timestamp.Equal(first))
			assert.True(t, list[1].Verify())
		})
	}
}

func TestStore_AttemptLog(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			s := factory(t, clock.Now)

			saved, err := s.Append(ctx, record("ABC-1234", event.Entry, "Gate 1", clock.Now()))
			require.NoError(t, err)

			require.NoError(t, s.RecordAttempt(ctx, Attempt{
				EventID: saved.ID, Digest: saved.Digest, Target: "local", Status: AttemptFailed, Reason: "connection refused",
			}))
			clock.Advance(time.Second)
			require.NoError(t, s.RecordAttempt(ctx, Attempt{
				EventID: saved.ID, Digest: saved.Digest, Target: "local", Status: AttemptSucceeded, Reference: "0000abc",
			}))

			attempts, err := s.ListAttempts(ctx, saved.ID)
			require.NoError(t, err)
			require.Len(t, attempts, 2)
			assert.Equal(t, AttemptFailed, attempts[0].Status)
			assert.Equal(t, "connection refused", attempts[0].Reason)
			assert.Equal(t, AttemptSucceeded, attempts[1].Status)
			assert.Equal(t, "0000abc", attempts[1].Reference)
			assert.NotEmpty(t, attempts[0].ID)

			other, err := s.ListAttempts(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, other)

			// the event itself is untouched by attempts
			got, err := s.Get(ctx, saved.ID)
			require.NoError(t, err)
			assert.Equal(t, saved.Digest, got.Digest)
		})
	}
}

func TestOutbox_ClaimCompleteRetryBury(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			s := factory(t, clock.Now)

			saved, err := s.AppendWithJobs(ctx, record("ABC-1234", event.Entry, "Gate 1", clock.Now()), []string{"ethereum", "local"})
			require.NoError(t, err)

			jobs, err := s.ListJobs(ctx, saved.ID)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, "ethereum", jobs[0].Target)
			assert.Equal(t, JobPending, jobs[0].State)

			claimed, err := s.ClaimJobs(ctx, "w1", 10, 30*time.Second)
			require.NoError(t, err)
			require.Len(t, claimed, 2)
			byTarget := map[string]OutboxJob{}
			for _, j := range claimed {
				assert.Equal(t, "w1", j.LeasedBy)
				assert.Equal(t, 1, j.Attempts)
				assert.Equal(t, saved.Digest, j.Digest)
				byTarget[j.Target] = j
			}

			again, err := s.ClaimJobs(ctx, "w2", 10, 30*time.Second)
			require.NoError(t, err)
			assert.Empty(t, again, "leased jobs must not be claimed twice")

			local, eth := byTarget["local"], byTarget["ethereum"]
			assert.ErrorIs(t, s.CompleteJob(ctx, local.ID, "w2"), ErrLeaseLost)
			require.NoError(t, s.CompleteJob(ctx, local.ID, "w1"))
			assert.ErrorIs(t, s.CompleteJob(ctx, local.ID, "w1"), ErrLeaseLost, "a job completes at most once")

			require.NoError(t, s.RetryJob(ctx, eth.ID, "w1", clock.Now().Add(time.Minute), "rpc unavailable"))
			notDue, err := s.ClaimJobs(ctx, "w2", 10, 30*time.Second)
			require.NoError(t, err)
			assert.Empty(t, notDue)

			clock.Advance(2 * time.Minute)
			retried, err := s.ClaimJobs(ctx, "w2", 10, 30*time.Second)
			require.NoError(t, err)
			require.Len(t, retried, 1)
			assert.Equal(t, eth.ID, retried[0].ID)
			assert.Equal(t, 2, retried[0].Attempts)
			assert.Equal(t, "rpc unavailable", retried[0].LastError)

			require.NoError(t, s.BuryJob(ctx, eth.ID, "w2", "gave up"))

			jobs, err = s.ListJobs(ctx, saved.ID)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, JobDead, jobs[0].State)
			assert.Equal(t, "gave up", jobs[0].LastError)
			assert.Equal(t, JobDone, jobs[1].State)

			clock.Advance(time.Hour)
			none, err := s.ClaimJobs(ctx, "w3", 10, 30*time.Second)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestOutbox_ExpiredLeaseIsReclaimed(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			s := factory(t, clock.Now)

			_, err := s.AppendWithJobs(ctx, record("ABC-1234", event.Exit, "Gate 1", clock.Now()), []string{"local"})
			require.NoError(t, err)

			first, err := s.ClaimJobs(ctx, "w1", 1, 10*time.Second)
			require.NoError(t, err)
			require.Len(t, first, 1)

			clock.Advance(11 * time.Second)
			second, err := s.ClaimJobs(ctx, "w2", 1, 10*time.Second)
			require.NoError(t, err)
			require.Len(t, second, 1)
			assert.Equal(t, first[0].ID, second[0].ID)

			assert.ErrorIs(t, s.CompleteJob(ctx, first[0].ID, "w1"), ErrLeaseLost)
			require.NoError(t, s.CompleteJob(ctx, second[0].ID, "w2"))
		})
	}
}

func TestOutbox_ClaimRespectsLimit(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			s := factory(t, clock.Now)

			for i := 0; i < 3; i++ {
				_, err := s.AppendWithJobs(ctx, record("ABC-1234", event.Entry, "Gate 1", clock.Now()), []string{"local"})
				require.NoError(t, err)
			}

			claimed, err := s.ClaimJobs(ctx, "w1", 2, time.Minute)
			require.NoError(t, err)
			assert.Len(t, claimed, 2)

			rest, err := s.ClaimJobs(ctx, "w2", 5, time.Minute)
			require.NoError(t, err)
			assert.Len(t, rest, 1)
		})
	}
}

func TestPersistErr(t *testing.T) {
	assert.NoError(t, persistErr("op", nil))

	base := errors.New("disk full")
	err := persistErr("append event", base)
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "append event", pe.Op)
	assert.ErrorIs(t, err, base)

	assert.Same(t, err, persistErr("outer", err), "already-wrapped errors are not wrapped again")
}
