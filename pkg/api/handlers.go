package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gatelog/gatelog/pkg/event"
	"github.com/gatelog/gatelog/pkg/ingest"
	"github.com/gatelog/gatelog/pkg/store"
)

const maxBodyBytes = 64 << 10

// Service is the ingestion surface the handlers call.
type Service interface {
	Submit(ctx context.Context, sub event.Submission) (event.Record, error)
	List(ctx context.Context) ([]event.Record, error)
	Get(ctx context.Context, id string) (event.Record, error)
	Anchors(ctx context.Context, id string) (ingest.AnchorStatus, error)
}

// Handlers serves the event routes.
type Handlers struct {
	svc    Service
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewHandlers compiles the submission schema and returns the handlers.
func NewHandlers(svc Service) (*Handlers, error) {
	schema, err := compileSubmissionSchema()
	if err != nil {
		return nil, err
	}
	return &Handlers{
		svc:    svc,
		schema: schema,
		logger: slog.Default().With("component", "api"),
	}, nil
}

// Register mounts the routes on mux. The singular /event paths are kept
// for existing gate clients.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /events", h.handleSubmit)
	mux.HandleFunc("POST /event", h.handleSubmit)
	mux.HandleFunc("GET /events", h.handleList)
	mux.HandleFunc("GET /event", h.handleList)
	mux.HandleFunc("GET /events/{id}", h.handleGet)
	mux.HandleFunc("GET /events/{id}/anchors", h.handleAnchors)
	mux.HandleFunc("GET /health", handleHealth)
}

func (h *Handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "request body exceeds 64 KiB")
			return
		}
		WriteBadRequest(w, r, "", "request body could not be read")
		return
	}

	if err := checkBody(h.schema, raw); err != nil {
		var sv *schemaViolation
		if errors.As(err, &sv) {
			WriteBadRequest(w, r, sv.field, sv.reason)
			return
		}
		WriteInternal(w, r, err)
		return
	}

	var sub event.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		WriteBadRequest(w, r, "", "request body is not a valid submission")
		return
	}

	rec, err := h.svc.Submit(r.Context(), sub)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			WriteBadRequest(w, r, verr.Field, verr.Reason)
			return
		}
		WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Location", "/events/"+rec.ID)
	WriteJSON(w, r, http.StatusCreated, rec)
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if records == nil {
		records = []event.Record{}
	}
	WriteJSON(w, r, http.StatusOK, records)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, "no event with id "+id)
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, rec)
}

func (h *Handlers) handleAnchors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.svc.Anchors(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, "no event with id "+id)
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, status)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// WriteJSON encodes v before committing status, so an encode failure becomes
// a 500 problem instead of a success with an empty body.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		WriteInternal(w, r, fmt.Errorf("encode response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
