// Package ingest is the event ingestion service: validate, admit, hash,
// persist, then anchor inside an isolation boundary.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gatelog/gatelog/pkg/event"
	"github.com/gatelog/gatelog/pkg/observability"
	"github.com/gatelog/gatelog/pkg/store"
)

// Mode selects how anchoring follows a successful write.
type Mode string

const (
	// ModeAwaited anchors before responding, bounded by the anchor timeout.
	ModeAwaited Mode = "awaited"
	// ModeQueued enqueues outbox jobs in the write transaction and responds
	// immediately; an anchor.Worker drains them.
	ModeQueued Mode = "queued"
)

// ParseMode accepts "awaited" (or empty) and "queued".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAwaited:
		return ModeAwaited, nil
	case ModeQueued:
		return ModeQueued, nil
	default:
		return "", fmt.Errorf("unknown anchor mode %q", s)
	}
}

// Relay is the anchoring surface the service needs.
type Relay interface {
	Anchor(ctx context.Context, eventID, digest string) ([]store.Attempt, error)
	Targets() []string
}

// Admitter applies admission policy to a validated submission.
type Admitter interface {
	Admit(ctx context.Context, s event.Submission, now time.Time) error
}

// Recorder counts ingestion outcomes.
type Recorder interface {
	EventIngested(movementType string)
	IngestFailed(reason string)
}

// Service orchestrates the ingestion pipeline.
type Service struct {
	store         store.Store
	relay         Relay
	admitter      Admitter
	mode          Mode
	anchorTimeout time.Duration
	clock         func() time.Time
	recorder      Recorder
	telemetry     *observability.Provider
	logger        *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithAdmitter(a Admitter) Option { return func(s *Service) { s.admitter = a } }

func WithMode(m Mode) Option { return func(s *Service) { s.mode = m } }

// WithAnchorTimeout bounds the awaited anchoring step.
func WithAnchorTimeout(d time.Duration) Option { return func(s *Service) { s.anchorTimeout = d } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

func WithTelemetry(p *observability.Provider) Option { return func(s *Service) { s.telemetry = p } }

// NewService returns a service over st. relay may be nil, which disables
// anchoring.
func NewService(st store.Store, relay Relay, opts ...Option) *Service {
	s := &Service{
		store:         st,
		relay:         relay,
		mode:          ModeAwaited,
		anchorTimeout: 30 * time.Second,
		clock:         time.Now,
		logger:        slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the anchoring mode.
func (s *Service) Mode() Mode { return s.mode }

// Submit records one movement event. It fails only with a
// *event.ValidationError (nothing written) or a *store.PersistenceError
// (nothing anchored). Anchoring never changes the outcome.
func (s *Service) Submit(ctx context.Context, sub event.Submission) (rec event.Record, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "ingest.submit")
	defer func() { done(err) }()

	if err := event.Validate(sub); err != nil {
		s.fail(ctx, "validation", err)
		return event.Record{}, err
	}

	now := s.clock()
	if s.admitter != nil {
		if err := s.admitter.Admit(ctx, sub, now); err != nil {
			s.fail(ctx, "policy", err)
			return event.Record{}, err
		}
	}

	rec = event.New(sub, now)

	if s.mode == ModeQueued && s.relay != nil {
		rec, err = s.store.AppendWithJobs(ctx, rec, s.relay.Targets())
	} else {
		rec, err = s.store.Append(ctx, rec)
	}
	if err != nil {
		s.fail(ctx, "persistence", err)
		return event.Record{}, err
	}

	if s.recorder != nil {
		s.recorder.EventIngested(string(rec.MovementType))
	}
	s.logger.InfoContext(ctx, "event recorded",
		"event_id", rec.ID, "digest", rec.Digest, "movement_type", rec.MovementType, "location", rec.Location)

	if s.mode == ModeAwaited {
		s.anchor(ctx, rec)
	}
	return rec, nil
}

// anchor is the isolation boundary around the relay. Every failure,
// including a panic or the public leg's error, is logged and dropped.
func (s *Service) anchor(ctx context.Context, rec event.Record) {
	if s.relay == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.anchorTimeout)
	defer cancel()

	var err error
	actx, done := s.telemetry.TrackOperation(actx, "ingest.anchor", attribute.String("event.id", rec.ID))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("anchoring panicked: %v", r)
			s.logger.ErrorContext(ctx, "anchoring panicked",
				"event_id", rec.ID, "digest", rec.Digest, "panic", fmt.Sprint(r))
		}
		done(err)
	}()

	_, err = s.relay.Anchor(actx, rec.ID, rec.Digest)
	if err != nil {
		s.logger.WarnContext(ctx, "anchoring did not complete; record stands",
			"event_id", rec.ID, "digest", rec.Digest, "error", err)
	}
}

func (s *Service) fail(ctx context.Context, reason string, err error) {
	if s.recorder != nil {
		s.recorder.IngestFailed(reason)
	}
	level := slog.LevelInfo
	if reason == "persistence" {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "submission rejected", "reason", reason, "error", err)
}

// List returns every record, newest first.
func (s *Service) List(ctx context.Context) (records []event.Record, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "ingest.list")
	defer func() { done(err) }()
	return s.store.ListAll(ctx)
}

// Get returns one record or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (event.Record, error) {
	return s.store.Get(ctx, id)
}

// AnchorStatus is the anchoring history of one event.
type AnchorStatus struct {
	EventID  string            `json:"eventId"`
	Digest   string            `json:"digest"`
	Attempts []store.Attempt   `json:"attempts"`
	Jobs     []store.OutboxJob `json:"jobs,omitempty"`
}

// Anchors returns the attempt log and any outbox jobs for one event.
func (s *Service) Anchors(ctx context.Context, id string) (AnchorStatus, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return AnchorStatus{}, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return AnchorStatus{}, err
	}
	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		return AnchorStatus{}, err
	}
	return AnchorStatus{EventID: rec.ID, Digest: rec.Digest, Attempts: attempts, Jobs: jobs}, nil
}

// VerifyReport summarizes a digest audit of the whole store.
type VerifyReport struct {
	Checked    int      `json:"checked"`
	Mismatched []string `json:"mismatched"`
}

// OK reports whether every record reproduced its digest.
func (r VerifyReport) OK() bool { return len(r.Mismatched) == 0 }

// Verify recomputes the digest of every stored record.
func (s *Service) Verify(ctx context.Context) (VerifyReport, error) {
	records, err := s.store.ListAll(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{Checked: len(records), Mismatched: []string{}}
	for _, r := range records {
		if !r.Verify() {
			report.Mismatched = append(report.Mismatched, r.ID)
		}
	}
	return report, nil
}

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	var verr *event.ValidationError
	return errors.As(err, &verr)
}
