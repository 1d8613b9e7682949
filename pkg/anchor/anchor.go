// Package anchor relays event digests to append-only ledgers.
//
// A Relay fans one digest out to every configured Target. The local ledger and
// the optional sinks (Kafka, object storage) are isolated: their failures are
// logged and recorded but never returned. The public ledger's failure is
// returned to the caller, who decides whether to surface it.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatelog/gatelog/pkg/store"
)

// ErrUnknownTarget is returned by AnchorTarget for a name the relay does not serve.
var ErrUnknownTarget = errors.New("unknown anchoring target")

// Target is one append-only ledger a digest can be anchored to.
type Target interface {
	// Name identifies the target in logs, the attempt log and outbox jobs.
	Name() string

	// Anchor commits digest and returns a ledger reference (block hash,
	// transaction hash, offset, object key).
	Anchor(ctx context.Context, eventID, digest string) (string, error)
}

// AnchoringError reports that one target did not accept a digest.
type AnchoringError struct {
	Target string
	Err    error
}

func (e *AnchoringError) Error() string {
	return fmt.Sprintf("anchor %s: %v", e.Target, e.Err)
}

func (e *AnchoringError) Unwrap() error { return e.Err }

// Observer receives one observation per anchoring attempt.
type Observer interface {
	ObserveAnchor(target string, ok bool, elapsed time.Duration)
}

// Relay fans digests out to its targets.
type Relay struct {
	local    Target
	public   Target
	sinks    []Target
	attempts store.AttemptLog
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	clock    func() time.Time
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithPublic enables the public ledger leg.
func WithPublic(t Target) RelayOption {
	return func(r *Relay) { r.public = t }
}

// WithSinks adds isolated optional targets.
func WithSinks(ts ...Target) RelayOption {
	return func(r *Relay) { r.sinks = append(r.sinks, ts...) }
}

// WithObserver reports every attempt to o.
func WithObserver(o Observer) RelayOption {
	return func(r *Relay) { r.observer = o }
}

// WithClock replaces the clock used for attempt times.
func WithClock(clock func() time.Time) RelayOption {
	return func(r *Relay) { r.clock = clock }
}

// NewRelay returns a relay that always anchors to local and records every
// attempt in attempts. attempts may be nil.
func NewRelay(local Target, attempts store.AttemptLog, opts ...RelayOption) *Relay {
	r := &Relay{
		local:    local,
		attempts: attempts,
		tracer:   otel.Tracer("gatelog/anchor"),
		logger:   slog.Default().With("component", "anchor"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Targets returns the names of every leg, local first.
func (r *Relay) Targets() []string {
	legs, _ := r.legs()
	names := make([]string, len(legs))
	for i, t := range legs {
		names[i] = t.Name()
	}
	return names
}

// legs returns every target and the index of the public one, or -1.
func (r *Relay) legs() ([]Target, int) {
	legs := make([]Target, 0, 2+len(r.sinks))
	public := -1
	if r.local != nil {
		legs = append(legs, r.local)
	}
	if r.public != nil {
		public = len(legs)
		legs = append(legs, r.public)
	}
	return append(legs, r.sinks...), public
}

// Anchor runs every leg concurrently and waits for all of them. Attempts are
// returned in Targets order. Only the public leg's failure is returned.
func (r *Relay) Anchor(ctx context.Context, eventID, digest string) ([]store.Attempt, error) {
	legs, public := r.legs()
	results := make([]store.Attempt, len(legs))
	errs := make([]error, len(legs))

	var wg sync.WaitGroup
	for i, t := range legs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.run(ctx, t, eventID, digest)
		}()
	}
	wg.Wait()

	if public >= 0 && errs[public] != nil {
		return results, errs[public]
	}
	return results, nil
}

// AnchorTarget runs exactly one named leg and returns its failure, whatever
// the target.
func (r *Relay) AnchorTarget(ctx context.Context, target, eventID, digest string) (store.Attempt, error) {
	legs, _ := r.legs()
	for _, t := range legs {
		if t.Name() == target {
			return r.run(ctx, t, eventID, digest)
		}
	}
	return store.Attempt{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
}

func (r *Relay) run(ctx context.Context, t Target, eventID, digest string) (store.Attempt, error) {
	name := t.Name()
	ctx, span := r.tracer.Start(ctx, "anchor."+name, trace.WithAttributes(
		attribute.String("anchor.target", name),
		attribute.String("event.id", eventID),
		attribute.String("event.digest", digest),
	))
	defer span.End()

	start := time.Now()
	ref, err := call(ctx, t, eventID, digest)
	elapsed := time.Since(start)

	attempt := store.Attempt{
		EventID:     eventID,
		Digest:      digest,
		Target:      name,
		Status:      store.AttemptSucceeded,
		Reference:   ref,
		AttemptedAt: r.clock(),
	}
	if err != nil {
		err = &AnchoringError{Target: name, Err: err}
		attempt.Status = store.AttemptFailed
		attempt.Reason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "anchoring failed")
		r.logger.WarnContext(ctx, "anchoring failed",
			"target", name, "event_id", eventID, "digest", digest, "error", err)
	} else {
		r.logger.InfoContext(ctx, "digest anchored",
			"target", name, "event_id", eventID, "digest", digest, "reference", ref)
	}

	if r.observer != nil {
		r.observer.ObserveAnchor(name, err == nil, elapsed)
	}
	if r.attempts != nil {
		// Recorded even when the request context is already cancelled.
		if recErr := r.attempts.RecordAttempt(context.WithoutCancel(ctx), attempt); recErr != nil {
			r.logger.ErrorContext(ctx, "failed to record anchoring attempt",
				"target", name, "event_id", eventID, "error", recErr)
		}
	}
	return attempt, err
}

// call invokes t, converting a panic into an error.
func call(ctx context.Context, t Target, eventID, digest string) (ref string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Anchor(ctx, eventID, digest)
}
