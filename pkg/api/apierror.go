// Package api is the HTTP boundary: routing, submission schema checks,
// RFC 7807 problem responses, and the middleware chain.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Field    string `json:"field,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the failing request.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	p.Type = fmt.Sprintf("urn:gatelog:problem:%d", p.Status)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem response enriched with the request path and
// request ID.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	})
}

// WriteBadRequest writes a 400 naming the offending field when known.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, field, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Field:    field,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	})
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never sent to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error",
		"error", err, "path", r.URL.Path, "request_id", w.Header().Get(RequestIDHeader))
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
