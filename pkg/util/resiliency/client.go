package resiliency

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned without contacting the server while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// EnhancedClient is an http.Client that retries 5xx and transport errors
// with jittered exponential backoff, trips a circuit breaker on repeated
// failure, and injects W3C trace context from the request context.
type EnhancedClient struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	breaker     *CircuitBreaker
}

// Option configures an EnhancedClient.
type Option func(*EnhancedClient)

// WithTimeout bounds each individual HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *EnhancedClient) { c.client.Timeout = d }
}

// WithMaxRetries sets how many times a failed exchange is retried.
func WithMaxRetries(n int) Option {
	return func(c *EnhancedClient) { c.maxRetries = n }
}

// WithBaseBackoff sets the first retry delay; later delays double.
func WithBaseBackoff(d time.Duration) Option {
	return func(c *EnhancedClient) { c.baseBackoff = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *CircuitBreaker) Option {
	return func(c *EnhancedClient) { c.breaker = cb }
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *EnhancedClient) { c.client.Transport = rt }
}

func NewEnhancedClient(opts ...Option) *EnhancedClient {
	c := &EnhancedClient{
		client:      &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 100 * time.Millisecond,
		breaker:     NewCircuitBreaker("default", 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the client's circuit breaker.
func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }

// Do executes an HTTP request with resiliency patterns. Requests with a body
// must be replayable (http.NewRequest sets GetBody for in-memory readers).
// Retries stop as soon as the request context is done.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.name)
	}

	var (
		resp *http.Response
		err  error
	)
	for i := 0; i <= c.maxRetries; i++ {
		attempt := req
		if i > 0 {
			if attempt, err = rewind(req); err != nil {
				break
			}
		}

		resp, err = c.client.Do(attempt)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if i == c.maxRetries || ctx.Err() != nil {
			break
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			resp = nil
		}

		if waitErr := sleep(ctx, c.backoff(i)); waitErr != nil {
			err = waitErr
			break
		}
	}

	c.breaker.Failure()
	if err == nil && resp != nil {
		return resp, nil
	}
	return nil, err
}

// backoff is base * 2^i plus up to 50ms of jitter.
func (c *EnhancedClient) backoff(i int) time.Duration {
	d := time.Duration(math.Pow(2, float64(i))) * c.baseBackoff
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerState is the circuit breaker's state.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures and lets one
// trial request through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
}
