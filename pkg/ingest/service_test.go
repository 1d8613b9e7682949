package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelog/gatelog/pkg/event"
	"github.com/gatelog/gatelog/pkg/policy"
	"github.com/gatelog/gatelog/pkg/store"
)

type fakeRelay struct {
	calls   atomic.Int32
	err     error
	panics  bool
	block   bool
	targets []string
	mu      sync.Mutex
	digests []string
}

func (r *fakeRelay) Anchor(ctx context.Context, eventID, digest string) ([]store.Attempt, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.digests = append(r.digests, digest)
	r.mu.Unlock()
	if r.panics {
		panic("relay exploded")
	}
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, r.err
}

func (r *fakeRelay) Targets() []string { return r.targets }

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) Append(context.Context, event.Record) (event.Record, error) {
	return event.Record{}, &store.PersistenceError{Op: "append event", Err: errors.New("disk full")}
}

func (failingStore) AppendWithJobs(context.Context, event.Record, []string) (event.Record, error) {
	return event.Record{}, &store.PersistenceError{Op: "append event", Err: errors.New("disk full")}
}

type countingRecorder struct {
	mu       sync.Mutex
	ingested map[string]int
	failed   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{ingested: map[string]int{}, failed: map[string]int{}}
}

func (c *countingRecorder) EventIngested(mt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingested[mt]++
}

func (c *countingRecorder) IngestFailed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[reason]++
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func entry() event.Submission {
	return event.Submission{VehiclePlate: "ABC-1234", MovementType: "ENTRY", Location: "Gate 1"}
}

func TestSubmit_PersistsThenAnchors(t *testing.T) {
	st := store.NewMemoryStore()
	relay := &fakeRelay{}
	rec := newCountingRecorder()
	svc := NewService(st, relay, WithClock(clock), WithRecorder(rec))

	saved, err := svc.Submit(context.Background(), entry())
	require.NoError(t, err)

	assert.NotEmpty(t, saved.ID)
	assert.True(t, saved.Timestamp.Equal(fixedNow))
	assert.True(t, saved.Verify())
	assert.Equal(t, int32(1), relay.calls.Load())
	assert.Equal(t, []string{saved.Digest}, relay.digests)
	assert.Equal(t, 1, rec.ingested["ENTRY"])

	got, err := svc.Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestSubmit_KeepsCallerTimestamp(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, WithClock(clock))
	ts := time.Date(2023, 1, 2, 3, 4, 5, 678_900_000, time.FixedZone("X", 3600))
	sub := entry()
	sub.Timestamp = &ts

	saved, err := svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, saved.Timestamp.Equal(ts.Truncate(time.Millisecond)))
	assert.Equal(t, time.UTC, saved.Timestamp.Location())
}

func TestSubmit_ValidationWritesNothing(t *testing.T) {
	cases := map[string]event.Submission{
		"missing plate":    {MovementType: "ENTRY", Location: "Gate 1"},
		"bad movement":     {VehiclePlate: "ABC", MovementType: "PARKED", Location: "Gate 1"},
		"lowercase":        {VehiclePlate: "ABC", MovementType: "entry", Location: "Gate 1"},
		"missing location": {VehiclePlate: "ABC", MovementType: "EXIT"},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			st := store.NewMemoryStore()
			relay := &fakeRelay{}
			rec := newCountingRecorder()
			svc := NewService(st, relay, WithRecorder(rec))

			_, err := svc.Submit(context.Background(), sub)
			require.Error(t, err)
			assert.True(t, IsValidation(err))

			all, err := st.ListAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Zero(t, relay.calls.Load())
			assert.Equal(t, 1, rec.failed["validation"])
		})
	}
}

func TestSubmit_StoreFailureNeverAnchors(t *testing.T) {
	relay := &fakeRelay{}
	rec := newCountingRecorder()
	svc := NewService(failingStore{store.NewMemoryStore()}, relay, WithRecorder(rec))

	_, err := svc.Submit(context.Background(), entry())
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.False(t, IsValidation(err))
	assert.Zero(t, relay.calls.Load())
	assert.Equal(t, 1, rec.failed["persistence"])
}

func TestSubmit_AnchorFailureDoesNotFailRequest(t *testing.T) {
	tests := map[string]*fakeRelay{
		"public leg error": {err: errors.New("anchoring to ethereum: reverted")},
		"panic":            {panics: true},
	}
	for name, relay := range tests {
		t.Run(name, func(t *testing.T) {
			st := store.NewMemoryStore()
			svc := NewService(st, relay)

			saved, err := svc.Submit(context.Background(), entry())
			require.NoError(t, err)
			assert.Equal(t, int32(1), relay.calls.Load())

			_, err = st.Get(context.Background(), saved.ID)
			assert.NoError(t, err)
		})
	}
}

func TestSubmit_AnchorTimeoutBoundsLatency(t *testing.T) {
	relay := &fakeRelay{block: true}
	svc := NewService(store.NewMemoryStore(), relay, WithAnchorTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := svc.Submit(context.Background(), entry())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSubmit_QueuedModeEnqueuesJobs(t *testing.T) {
	st := store.NewMemoryStore()
	relay := &fakeRelay{targets: []string{"local", "ethereum"}}
	svc := NewService(st, relay, WithMode(ModeQueued))

	saved, err := svc.Submit(context.Background(), entry())
	require.NoError(t, err)
	assert.Zero(t, relay.calls.Load())

	status, err := svc.Anchors(context.Background(), saved.ID)
	require.NoError(t, err)
	require.Len(t, status.Jobs, 2)
	assert.Equal(t, "ethereum", status.Jobs[0].Target)
	assert.Equal(t, "local", status.Jobs[1].Target)
	assert.Equal(t, saved.Digest, status.Jobs[0].Digest)
	assert.Empty(t, status.Attempts)
}

func TestSubmit_PolicyRejection(t *testing.T) {
	eval, err := policy.New([]policy.Rule{{
		Name:    "no-dock-exits",
		Expr:    `!(event.location == "Dock" && event.movementType == "EXIT")`,
		Field:   "location",
		Message: "exits are not recorded at the dock",
	}})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	relay := &fakeRelay{}
	rec := newCountingRecorder()
	svc := NewService(st, relay, WithAdmitter(eval), WithRecorder(rec))

	_, err = svc.Submit(context.Background(), event.Submission{VehiclePlate: "A", MovementType: "EXIT", Location: "Dock"})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Zero(t, relay.calls.Load())
	assert.Equal(t, 1, rec.failed["policy"])

	_, err = svc.Submit(context.Background(), event.Submission{VehiclePlate: "A", MovementType: "ENTRY", Location: "Dock"})
	assert.NoError(t, err)
}

func TestAnchors_UnknownEvent(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)
	_, err := svc.Anchors(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)
	ctx := context.Background()

	older := fixedNow.Add(-time.Hour)
	a := entry()
	a.Timestamp = &older
	b := entry()
	b.Timestamp = &fixedNow

	_, err := svc.Submit(ctx, a)
	require.NoError(t, err)
	newest, err := svc.Submit(ctx, b)
	require.NoError(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newest.ID, list[0].ID)
}

func TestVerify(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil)
	_, err := svc.Submit(context.Background(), entry())
	require.NoError(t, err)

	report, err := svc.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.True(t, report.OK())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAwaited, m)

	m, err = ParseMode("queued")
	require.NoError(t, err)
	assert.Equal(t, ModeQueued, m)

	_, err = ParseMode("eventually")
	assert.Error(t, err)
}
