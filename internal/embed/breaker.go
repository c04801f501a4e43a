package embed

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a request
// because the embedding provider has been failing.
var ErrCircuitOpen = errors.New("embedding circuit breaker is open")

// BreakerConfig holds the circuit breaker tuning knobs.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip
	// the circuit. Default: 3.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing test
	// requests. Default: 30 seconds.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required
	// in half-open state to close the circuit. Default: 2.
	HalfOpenMaxSuccesses uint32
}

// BreakerMetrics is a point-in-time view of breaker activity.
type BreakerMetrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker wraps an Embedder with a circuit breaker so a failing provider
// degrades into fast rejections instead of piling up slow calls. Callers
// treat ErrCircuitOpen the same as any embed failure: fall back to lexical
// retrieval, or retry the job later.
type Breaker struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker

	mu      sync.RWMutex
	metrics BreakerMetrics
}

// NewBreaker wraps inner with default settings.
func NewBreaker(inner Embedder) *Breaker {
	return NewBreakerWithConfig(inner, BreakerConfig{})
}

// NewBreakerWithConfig wraps inner with explicit settings; zero fields take
// defaults.
func NewBreakerWithConfig(inner Embedder, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	b := &Breaker{inner: inner}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "EmbeddingBreaker",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("embed: circuit breaker %s -> %s", stateName(from), stateName(to))
		},
	})
	return b
}

// Embed runs the inner embedder through the breaker. When the circuit is
// open it returns ErrCircuitOpen without calling the provider.
func (b *Breaker) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		b.record(false)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	b.record(true)
	return result.([]float32), nil
}

// Model returns the wrapped embedder's model identifier.
func (b *Breaker) Model() string {
	return b.inner.Model()
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return stateName(b.breaker.State())
}

// Metrics returns cumulative request counts plus the breaker's current
// consecutive streaks.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := b.breaker.Counts()
	m := b.metrics
	m.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	m.ConsecutiveFailures = counts.ConsecutiveFailures
	return m
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalRequests++
	if success {
		b.metrics.TotalSuccesses++
	} else {
		b.metrics.TotalFailures++
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var _ Embedder = (*Breaker)(nil)
