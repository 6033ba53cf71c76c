package exchange

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the REST path's health state.
type BreakerState int

const (
	BreakerClosed  BreakerState = iota // normal operation
	BreakerOpen                        // transport down, fail fast
	BreakerProbing                     // one request in flight to test recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerProbing:
		return "PROBING"
	default:
		return "UNKNOWN"
	}
}

const (
	breakerHoldBase = 5 * time.Second
	breakerHoldMax  = 60 * time.Second
)

// Breaker fails the REST path fast once the transport is down, so the tick
// loop does not burn its budget on 5s timeouts while the venue is
// unreachable.
//
// It judges by the venue error taxonomy: only transport failures (network,
// timeout, 5xx) count against it. A 404 or a rejection is the venue
// answering, which proves the transport is fine and resets the count.
// While open it rejects everything until the hold elapses, then lets a
// single probe through; the hold doubles with every consecutive trip.
type Breaker struct {
	mu sync.Mutex

	state    BreakerState
	failures int // consecutive transport failures
	trips    int // consecutive opens, drives the hold duration
	openedAt time.Time

	failureThreshold int

	now func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// transport failures.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{
		failureThreshold: threshold,
		now:              time.Now,
	}
}

// SetNow overrides the clock, for deterministic tests.
func (b *Breaker) SetNow(fn func() time.Time) {
	b.now = fn
}

// hold is the open duration after the current trip count. Must be called
// with the lock held.
func (b *Breaker) hold() time.Duration {
	d := breakerHoldBase
	for i := 1; i < b.trips; i++ {
		d *= 2
		if d >= breakerHoldMax {
			return breakerHoldMax
		}
	}
	return d
}

// Allow reports whether a request may go out. While open it returns a
// categorized error the caller can hand straight back; once the hold has
// elapsed exactly one caller is admitted as the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.hold() {
			return &APIError{Kind: KindNetwork, Message: "venue transport suspended"}
		}
		b.state = BreakerProbing
		slog.Info("probing venue transport", slog.Int("trips", b.trips))
		return nil

	case BreakerProbing:
		// A probe is already in flight; everyone else keeps failing fast.
		return &APIError{Kind: KindNetwork, Message: "venue transport suspended"}

	default:
		return &APIError{Kind: KindNetwork, Message: "venue transport suspended"}
	}
}

// Record feeds one request outcome back. nil and venue verdicts (404,
// rejected) count as transport successes; network, timeout and 5xx errors
// count as failures.
func (b *Breaker) Record(err error) {
	transportDown := err != nil && (IsTimeout(err) || isNetworkErr(err))

	b.mu.Lock()
	defer b.mu.Unlock()

	if !transportDown {
		if b.state != BreakerClosed {
			slog.Info("venue transport recovered")
		}
		b.state = BreakerClosed
		b.failures = 0
		b.trips = 0
		return
	}

	b.failures++

	switch b.state {
	case BreakerProbing:
		// The probe failed; back to open with a longer hold.
		b.trip()

	case BreakerClosed:
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	}
}

// trip must be called with the lock held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.trips++
	b.openedAt = b.now()
	slog.Warn("venue transport suspended",
		slog.Int("failures", b.failures),
		slog.Duration("hold", b.hold()))
}

// State returns the current state (for monitoring).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// isNetworkErr reports whether err is a transport-tier venue error.
func isNetworkErr(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.Kind == KindNetwork
}
