package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// IdempotencyKeyHeader lets a client retry a submission without creating a
// second record.
const IdempotencyKeyHeader = "Idempotency-Key"

// CachedResponse is a previously served response kept for replay.
type CachedResponse struct {
	StatusCode int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cachedAt"`
}

// IdempotencyStore is a replay cache backend. Reserve claims a key for one
// in-flight request; it reports false when the key is already cached or held
// by another request. Set caches the response and ends the reservation;
// Release ends it without caching.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Reserve(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, resp CachedResponse)
	Release(ctx context.Context, key string)
}

// MemoryIdempotencyStore keeps cached responses in process.
type MemoryIdempotencyStore struct {
	mu       sync.RWMutex
	entries  map[string]*CachedResponse
	inflight map[string]struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryIdempotencyStore returns a store whose entries expire after ttl.
// Expired entries are dropped lazily on Set.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries:  make(map[string]*CachedResponse),
		inflight: make(map[string]struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && s.now().Sub(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.entries[key]; ok && s.now().Sub(cached.CachedAt) < s.ttl {
		return false, nil
	}
	if _, busy := s.inflight[key]; busy {
		return false, nil
	}
	s.inflight[key] = struct{}{}
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, key)

	now := s.now()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
	resp.CachedAt = now
	s.entries[key] = &resp
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency replays the cached response for a POST that repeats an
// Idempotency-Key on the same path. Only 2xx responses are cached. While the
// first request with a key is still running, repeats get 409.
func Idempotency(store IdempotencyStore) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "|" + key
			ctx := r.Context()

			if cached, ok := store.Check(ctx, key); ok {
				replay(w, cached)
				return
			}

			reserved, err := store.Reserve(ctx, key)
			if err != nil {
				slog.WarnContext(ctx, "idempotency reservation failed; serving without replay protection", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				// The holder may have finished between Check and Reserve.
				if cached, ok := store.Check(ctx, key); ok {
					replay(w, cached)
					return
				}
				w.Header().Set("Retry-After", "1")
				WriteError(w, r, http.StatusConflict, "Conflict",
					"a request with this Idempotency-Key is still in progress")
				return
			}

			stored := false
			defer func() {
				if !stored {
					store.Release(context.WithoutCancel(ctx), key)
				}
			}()

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(context.WithoutCancel(ctx), key, CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    w.Header().Clone(),
					Body:       capture.body.Bytes(),
				})
				stored = true
			}
		})
	}
}

func replay(w http.ResponseWriter, cached *CachedResponse) {
	for k, vals := range cached.Headers {
		if k == RequestIDHeader {
			continue
		}
		w.Header()[k] = vals
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}
