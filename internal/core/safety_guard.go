package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/event"
	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/internal/infra"
)

// GateState is the three-tier safety verdict for one symbol.
type GateState int

const (
	GateOK GateState = iota
	GatePauseNew
	GateKillAll
)

func (s GateState) String() string {
	switch s {
	case GateOK:
		return "OK"
	case GatePauseNew:
		return "PAUSE_NEW"
	case GateKillAll:
		return "KILL_ALL"
	default:
		return "UNKNOWN"
	}
}

// Gate is the verdict plus its cause. Until is set for PAUSE_NEW.
type Gate struct {
	State  GateState
	Reason string
	Until  time.Time
}

// positionAPI is the narrow account view the guard needs.
type positionAPI interface {
	GetPosition(ctx context.Context, symbol string) (*exchange.Position, error)
}

const (
	volatilityWindow     = time.Second
	positionPollInterval = 2 * time.Second
)

// SafetyGuard evaluates volatility, staleness, mark/mid divergence and
// position exposure into a single gate per symbol.
//
// A PAUSE_NEW latch persists until its deadline even if the triggering
// condition clears early; simultaneous causes coalesce to the latest
// deadline. KILL_ALL is instantaneous and bypasses order locks.
type SafetyGuard struct {
	cfg       infra.SafetyConfig
	positions positionAPI
	events    *event.Bus

	mu           sync.Mutex
	marks        map[string][]priceObs
	pauseUntil   map[string]time.Time
	pauseReason  map[string]string
	lastPosCheck map[string]time.Time
	posNotional  map[string]float64

	emergency atomic.Bool

	now func() time.Time
}

// NewSafetyGuard creates a guard.
func NewSafetyGuard(cfg infra.SafetyConfig, positions positionAPI, events *event.Bus) *SafetyGuard {
	return &SafetyGuard{
		cfg:          cfg,
		positions:    positions,
		events:       events,
		marks:        make(map[string][]priceObs),
		pauseUntil:   make(map[string]time.Time),
		pauseReason:  make(map[string]string),
		lastPosCheck: make(map[string]time.Time),
		posNotional:  make(map[string]float64),
		now:          time.Now,
	}
}

// SetNow overrides the clock, for deterministic tests.
func (g *SafetyGuard) SetNow(fn func() time.Time) {
	g.now = fn
}

// Observe records one mark price observation for the volatility window.
func (g *SafetyGuard) Observe(symbol string, mark float64, ts time.Time) {
	if mark <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	h := append(g.marks[symbol], priceObs{ts: ts, price: mark})
	cutoff := ts.Add(-2 * volatilityWindow)
	i := 0
	for i < len(h) && h[i].ts.Before(cutoff) {
		i++
	}
	g.marks[symbol] = h[i:]
}

// volatilityBps computes the 1-second mark move in bps. Must be called
// with the lock held.
func (g *SafetyGuard) volatilityBps(symbol string, now time.Time) float64 {
	h := g.marks[symbol]
	if len(h) < 2 {
		return 0
	}

	latest := h[len(h)-1]
	target := now.Add(-volatilityWindow)

	// Oldest observation inside the window approximates "mark one second ago".
	var ref *priceObs
	for i := range h {
		if !h[i].ts.Before(target) {
			ref = &h[i]
			break
		}
	}
	if ref == nil || ref.price <= 0 || ref == &h[len(h)-1] {
		return 0
	}
	return math.Abs(latest.price-ref.price) / ref.price * 10000
}

// Gate evaluates the decision table for one symbol.
func (g *SafetyGuard) Gate(ctx context.Context, symbol string, snap *PriceSnapshot, now time.Time) Gate {
	staleAfter := infra.Secs(g.cfg.HardKill.StaleThresholdSeconds)
	if snap == nil || snap.Stale(now, staleAfter) {
		return g.killAll(symbol, "stale")
	}

	g.mu.Lock()
	vol := g.volatilityBps(symbol, now)
	g.mu.Unlock()

	if vol >= g.cfg.HardKill.MaxVolatilityBps {
		return g.killAll(symbol, fmt.Sprintf("volatility %.1f bps/s", vol))
	}

	if notional := g.positionNotional(ctx, symbol, now); notional >= g.cfg.MaxPositionUSD {
		g.emergency.Store(true)
		g.events.Publish(event.Event{
			Type: event.TypeEmergencyStop, Symbol: symbol,
			Reason: fmt.Sprintf("position %.2f usd", notional), Ts: now,
		})
		return g.killAll(symbol, "position")
	}

	// New pre-kill causes are evaluated first and can only extend the
	// latch; a pause outlives the condition that set it.
	pauseDur := infra.Secs(g.cfg.PreKill.PauseDurationSeconds)
	var until time.Time
	var reason string

	if vol >= g.cfg.PreKill.VolatilityThresholdBps {
		until = now.Add(pauseDur)
		reason = fmt.Sprintf("volatility %.1f bps/s", vol)
	}
	if div := snap.MarkMidDivergenceBps(); div >= g.cfg.PreKill.MarkMidDivergenceBps {
		if cand := now.Add(pauseDur); cand.After(until) {
			until = cand
		}
		if reason != "" {
			reason += ", "
		}
		reason += fmt.Sprintf("mark/mid divergence %.1f bps", div)
	}

	g.mu.Lock()
	if !until.IsZero() && until.After(g.pauseUntil[symbol]) {
		if g.pauseUntil[symbol].Before(now) {
			// Fresh latch, not an extension of a running one.
			g.events.Publish(event.Event{
				Type: event.TypeSafetyTriggered, Symbol: symbol, Reason: reason, Ts: now,
			})
			slog.Warn("new placements paused",
				slog.String("symbol", symbol),
				slog.String("reason", reason))
		}
		g.pauseUntil[symbol] = until
		g.pauseReason[symbol] = reason
	}
	latchUntil := g.pauseUntil[symbol]
	latchReason := g.pauseReason[symbol]
	g.mu.Unlock()

	if now.Before(latchUntil) {
		return Gate{State: GatePauseNew, Reason: latchReason, Until: latchUntil}
	}

	return Gate{State: GateOK}
}

func (g *SafetyGuard) killAll(symbol, reason string) Gate {
	g.events.Publish(event.Event{
		Type: event.TypeSafetyTriggered, Symbol: symbol, Reason: reason, Ts: g.now(),
	})
	return Gate{State: GateKillAll, Reason: reason}
}

// positionNotional returns the cached position exposure, refreshing it at
// most every positionPollInterval.
func (g *SafetyGuard) positionNotional(ctx context.Context, symbol string, now time.Time) float64 {
	g.mu.Lock()
	last := g.lastPosCheck[symbol]
	cached := g.posNotional[symbol]
	g.mu.Unlock()

	if g.positions == nil {
		return 0
	}
	if now.Sub(last) < positionPollInterval {
		return cached
	}

	pos, err := g.positions.GetPosition(ctx, symbol)
	notional := 0.0
	if err != nil {
		slog.Warn("position query failed",
			slog.String("symbol", symbol),
			slog.Any("error", err))
		notional = cached // keep last known value on transient failure
	} else if pos != nil {
		notional = pos.NotionalUSD()
	}

	g.mu.Lock()
	g.lastPosCheck[symbol] = now
	g.posNotional[symbol] = notional
	g.mu.Unlock()
	return notional
}

// EmergencyStopped reports whether the emergency latch is set. Once set it
// persists until ResetEmergency.
func (g *SafetyGuard) EmergencyStopped() bool {
	return g.emergency.Load()
}

// ResetEmergency clears the latch (operator action).
func (g *SafetyGuard) ResetEmergency() {
	g.emergency.Store(false)
}
