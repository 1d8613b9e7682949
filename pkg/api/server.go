package api

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ServerConfig holds the boundary settings.
type ServerConfig struct {
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Router wires handlers and middleware into one http.Handler.
type Router struct {
	handler http.Handler
	limiter *RateLimiter
}

// RouterOption adds an optional piece to the router.
type RouterOption func(*routerParts)

type routerParts struct {
	metrics     http.Handler
	observer    HTTPObserver
	idempotency IdempotencyStore
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) RouterOption {
	return func(p *routerParts) { p.metrics = h }
}

// WithObserver records per-route request metrics.
func WithObserver(o HTTPObserver) RouterOption {
	return func(p *routerParts) { p.observer = o }
}

// WithIdempotency enables Idempotency-Key replay backed by s.
func WithIdempotency(s IdempotencyStore) RouterOption {
	return func(p *routerParts) { p.idempotency = s }
}

// NewRouter builds the request pipeline:
// recover, request id, tracing, CORS, rate limit, idempotency, metrics, mux.
func NewRouter(cfg ServerConfig, h *Handlers, opts ...RouterOption) *Router {
	var parts routerParts
	for _, opt := range opts {
		opt(&parts)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	if parts.metrics != nil {
		mux.Handle("GET /metrics", parts.metrics)
	}

	mws := []Middleware{
		Recover,
		RequestID,
		func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "gatelog.http",
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return r.Method + " " + r.URL.Path
				}))
		},
	}
	if len(cfg.CORSOrigins) > 0 {
		mws = append(mws, CORS(cfg.CORSOrigins))
	}

	rt := &Router{}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitRPS) + 1
		}
		rt.limiter = NewRateLimiter(cfg.RateLimitRPS, burst)
		mws = append(mws, rt.limiter.Middleware)
	}
	if parts.idempotency != nil {
		mws = append(mws, Idempotency(parts.idempotency))
	}
	mws = append(mws, Observe(parts.observer))

	rt.handler = Chain(mux, mws...)
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// Close releases background resources.
func (rt *Router) Close() {
	if rt.limiter != nil {
		rt.limiter.Close()
	}
}

// NewHTTPServer returns an http.Server for rt with the configured timeouts.
func NewHTTPServer(cfg ServerConfig, rt *Router) *http.Server {
	read, write := cfg.ReadTimeout, cfg.WriteTimeout
	if read <= 0 {
		read = 15 * time.Second
	}
	if write <= 0 {
		write = 60 * time.Second
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           rt,
		ReadTimeout:       read,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      write,
		IdleTimeout:       120 * time.Second,
	}
}
