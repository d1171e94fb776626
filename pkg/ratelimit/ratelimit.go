// Package ratelimit implements the token-bucket limiter used by the
// threat-intelligence feed clients to stay inside provider quotas.
package ratelimit

import (
	"context"
	"errors"
	"math/bits"
	"sync"
	"time"
)

var (
	// ErrInvalidCapacity is returned when a limiter is built with zero capacity.
	ErrInvalidCapacity = errors.New("rate limiter capacity must be greater than zero")
	// ErrInvalidWindow is returned when a limiter is built with a non-positive window.
	ErrInvalidWindow = errors.New("rate limiter window must be greater than zero")
)

// minWait keeps Acquire from spinning when the next token is due immediately.
const minWait = time.Millisecond

// Stats is a snapshot of limiter activity.
type Stats struct {
	TotalRequests   uint64    `json:"total_requests"`
	AllowedRequests uint64    `json:"allowed_requests"`
	DeniedRequests  uint64    `json:"denied_requests"`
	CurrentTokens   uint32    `json:"current_tokens"`
	LastRefill      time.Time `json:"last_refill"`
}

// Limiter is a token bucket holding up to capacity tokens that refill
// evenly over window.
type Limiter struct {
	capacity uint32
	window   time.Duration

	mu         sync.Mutex
	tokens     uint32
	lastRefill time.Time

	total   uint64
	allowed uint64
	denied  uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter starting with a full bucket.
func New(capacity uint32, window time.Duration) (*Limiter, error) {
	if capacity == 0 {
		return nil, ErrInvalidCapacity
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	l := &Limiter{
		capacity: capacity,
		window:   window,
		tokens:   capacity,
		now:      time.Now,
		sleep:    sleepContext,
	}
	l.lastRefill = l.now()
	return l, nil
}

// PerMinute is a convenience constructor for "N requests per minute" quotas.
func PerMinute(requests uint32) (*Limiter, error) {
	return New(requests, time.Minute)
}

// Capacity returns the bucket size.
func (l *Limiter) Capacity() uint32 { return l.capacity }

// Window returns the refill window.
func (l *Limiter) Window() time.Duration { return l.window }

// TryAcquire takes a token if one is available. It never blocks.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	l.total++
	if l.tokens > 0 {
		l.tokens--
		l.allowed++
		return true
	}
	l.denied++
	return false
}

// Acquire blocks until a token is taken or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if l.TryAcquire() {
			return nil
		}
		wait := l.TimeUntilNextToken()
		if wait < minWait {
			wait = minWait
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TimeUntilNextToken reports how long until at least one token is available.
// It is zero when a token is already available.
func (l *Limiter) TimeUntilNextToken() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens > 0 {
		return 0
	}
	// Rounded up so that waiting this long always yields a whole token.
	perToken := (l.window + time.Duration(l.capacity) - 1) / time.Duration(l.capacity)
	elapsed := l.now().Sub(l.lastRefill)
	if elapsed >= perToken {
		return 0
	}
	return perToken - elapsed
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalRequests:   l.total,
		AllowedRequests: l.allowed,
		DeniedRequests:  l.denied,
		CurrentTokens:   l.tokens,
		LastRefill:      l.lastRefill,
	}
}

// ResetStats clears the request counters. Token state is left untouched.
func (l *Limiter) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total, l.allowed, l.denied = 0, 0, 0
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	if elapsed >= l.window {
		l.tokens = l.capacity
		l.lastRefill = now
		return
	}

	hi, lo := bits.Mul64(uint64(l.capacity), uint64(elapsed))
	add, _ := bits.Div64(hi, lo, uint64(l.window))
	if add == 0 {
		// Partial progress is kept by not moving lastRefill.
		return
	}
	next := uint64(l.tokens) + add
	if next > uint64(l.capacity) {
		next = uint64(l.capacity)
	}
	l.tokens = uint32(next)
	l.lastRefill = now
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
