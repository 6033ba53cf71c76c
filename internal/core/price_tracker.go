package core

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
)

// PriceSnapshot is the freshest view of one symbol's prices.
type PriceSnapshot struct {
	Symbol    string
	Mark      float64
	Mid       float64
	Bid       float64
	Ask       float64
	SpreadBps float64
	UpdatedAt time.Time
}

// MarkMidDivergenceBps measures how far the venue mark has drifted from the
// book midpoint. Large values mean the band math cannot be trusted.
func (s *PriceSnapshot) MarkMidDivergenceBps() float64 {
	if s.Mid <= 0 || s.Mark <= 0 {
		return 0
	}
	return math.Abs(s.Mark-s.Mid) / s.Mid * 10000
}

// Stale reports whether the snapshot is older than the threshold.
func (s *PriceSnapshot) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.UpdatedAt) > threshold
}

// priceAPI is the pull fallback used when the push stream goes quiet.
type priceAPI interface {
	QuerySymbolPrice(ctx context.Context, symbol string) (*exchange.SymbolPrice, error)
}

type priceObs struct {
	ts    time.Time
	price float64
}

// SnapshotFunc observes every accepted snapshot (safety guard, protection).
type SnapshotFunc func(snap *PriceSnapshot)

// PriceTracker keeps the freshest mark/mid/spread per symbol from the push
// stream, with a REST fallback when pushes stop arriving. It owns the
// snapshots; consumers get copies and must treat a nil return as "no
// reference available".
type PriceTracker struct {
	rest                 priceAPI
	restFallbackInterval time.Duration
	historyWindow        time.Duration

	mu        sync.RWMutex
	prices    map[string]*PriceSnapshot
	history   map[string][]priceObs
	observers []SnapshotFunc

	now func() time.Time
}

// NewPriceTracker creates a tracker with the given REST fallback client.
func NewPriceTracker(rest priceAPI, restFallbackInterval time.Duration) *PriceTracker {
	return &PriceTracker{
		rest:                 rest,
		restFallbackInterval: restFallbackInterval,
		historyWindow:        30 * time.Second,
		prices:               make(map[string]*PriceSnapshot),
		history:              make(map[string][]priceObs),
		now:                  time.Now,
	}
}

// SetNow overrides the clock, for deterministic tests.
func (t *PriceTracker) SetNow(fn func() time.Time) {
	t.now = fn
}

// OnSnapshot registers an observer invoked for every accepted update.
func (t *PriceTracker) OnSnapshot(fn SnapshotFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// OnPush ingests one update from the stream. Updates older than the
// current snapshot are dropped; snapshots only move forward in time.
func (t *PriceTracker) OnPush(symbol string, mark, bid, ask float64, ts time.Time) {
	if mark <= 0 && (bid <= 0 || ask <= 0) {
		return
	}

	mid := 0.0
	spreadBps := 0.0
	if bid > 0 && ask > 0 {
		mid = (bid + ask) / 2
		spreadBps = (ask - bid) / mid * 10000
	}
	if mark <= 0 {
		mark = mid
	}

	snap := &PriceSnapshot{
		Symbol:    symbol,
		Mark:      mark,
		Mid:       mid,
		Bid:       bid,
		Ask:       ask,
		SpreadBps: spreadBps,
		UpdatedAt: ts,
	}

	t.mu.Lock()
	if cur, ok := t.prices[symbol]; ok && !ts.After(cur.UpdatedAt) {
		t.mu.Unlock()
		return
	}
	t.prices[symbol] = snap
	t.appendHistory(symbol, mark, ts)
	observers := t.observers
	t.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// appendHistory must be called with the lock held.
func (t *PriceTracker) appendHistory(symbol string, price float64, ts time.Time) {
	h := append(t.history[symbol], priceObs{ts: ts, price: price})
	cutoff := ts.Add(-t.historyWindow)
	i := 0
	for i < len(h) && h[i].ts.Before(cutoff) {
		i++
	}
	t.history[symbol] = h[i:]
}

// Latest returns a copy of the freshest snapshot, issuing a REST query when
// the push stream has been quiet longer than the fallback interval. Returns
// nil when no reference price is available at all.
func (t *PriceTracker) Latest(ctx context.Context, symbol string) *PriceSnapshot {
	t.mu.RLock()
	cur := t.prices[symbol]
	t.mu.RUnlock()

	now := t.now()
	if cur != nil && now.Sub(cur.UpdatedAt) < t.restFallbackInterval {
		c := *cur
		return &c
	}

	if t.rest != nil {
		if fresh := t.refreshREST(ctx, symbol); fresh != nil {
			return fresh
		}
	}

	if cur == nil {
		return nil
	}
	c := *cur
	return &c
}

// refreshREST pulls the current price over REST and installs it if newer.
func (t *PriceTracker) refreshREST(ctx context.Context, symbol string) *PriceSnapshot {
	sp, err := t.rest.QuerySymbolPrice(ctx, symbol)
	if err != nil {
		slog.Warn("price fallback query failed",
			slog.String("symbol", symbol),
			slog.Any("error", err))
		return nil
	}

	ts := time.UnixMilli(sp.Ts)
	if sp.Ts == 0 {
		ts = t.now()
	}
	t.OnPush(symbol, sp.Mark(), sp.Bid(), sp.Ask(), ts)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if cur := t.prices[symbol]; cur != nil {
		c := *cur
		return &c
	}
	return nil
}

// VolatilityBps computes (max-min)/mid over the window, in bps. Used for
// dynamic quote distances; the safety guard keeps its own shorter window.
func (t *PriceTracker) VolatilityBps(symbol string, window time.Duration) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.now().Add(-window)
	var minP, maxP float64
	n := 0
	for _, obs := range t.history[symbol] {
		if obs.ts.Before(cutoff) {
			continue
		}
		if n == 0 || obs.price < minP {
			minP = obs.price
		}
		if n == 0 || obs.price > maxP {
			maxP = obs.price
		}
		n++
	}
	if n < 2 {
		return 0
	}
	mid := (maxP + minP) / 2
	if mid <= 0 {
		return 0
	}
	return (maxP - minP) / mid * 10000
}
