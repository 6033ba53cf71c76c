package core

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/event"
	"github.com/londonpotato1/standx-maker-bot/internal/infra"
	"github.com/londonpotato1/standx-maker-bot/pkg/metrics"
)

// FillProtection watches a faster venue's mark price stream. The lead venue
// moves milliseconds ahead of the quoting venue, so a sharp move there means
// the resting quotes are about to be run over.
//
// Cancels are directional: an upward move only threatens the SELL quotes
// (price rises into the asks), a downward move only the BUY quotes. The
// other side gains distance from the move and keeps accruing.
//
// Quotes younger than the smart threshold are left alone even when
// unlocked: the points system pays for dwell, and a quote that has not yet
// reached the minimum accrual window would forfeit everything it sat for.
//
// Protective cancels run outside the strategy's tick goroutine; the
// OrderManager's internal locking keeps that safe, and the strategy refills
// the ladder on its next tick.
type FillProtection struct {
	cfg    infra.FillProtectionConfig
	orders *OrderManager
	events *event.Bus

	mu            sync.Mutex
	history       map[string][]priceObs
	cooldownUntil map[string]time.Time

	triggers  int
	cancelled int

	now func() time.Time
}

// NewFillProtection creates the monitor.
func NewFillProtection(cfg infra.FillProtectionConfig, orders *OrderManager, events *event.Bus) *FillProtection {
	return &FillProtection{
		cfg:           cfg,
		orders:        orders,
		events:        events,
		history:       make(map[string][]priceObs),
		cooldownUntil: make(map[string]time.Time),
		now:           time.Now,
	}
}

// OnLeadPush ingests one lead-venue mark price and evaluates the trigger.
func (p *FillProtection) OnLeadPush(ctx context.Context, symbol string, mark float64, ts time.Time) {
	if !p.cfg.Lead.Enabled || mark <= 0 {
		return
	}

	window := infra.Secs(p.cfg.Lead.WindowSeconds)

	p.mu.Lock()
	h := append(p.history[symbol], priceObs{ts: ts, price: mark})
	cutoff := ts.Add(-2 * window)
	i := 0
	for i < len(h) && h[i].ts.Before(cutoff) {
		i++
	}
	p.history[symbol] = h[i:]

	if ts.Before(p.cooldownUntil[symbol]) {
		p.mu.Unlock()
		return
	}

	changeBps := p.changeBps(symbol, ts, window)
	if math.Abs(changeBps) < p.cfg.Lead.TriggerBps {
		p.mu.Unlock()
		return
	}

	p.cooldownUntil[symbol] = ts.Add(infra.Secs(p.cfg.Lead.CooldownSeconds))
	p.triggers++
	p.mu.Unlock()

	// Price rising into the asks endangers sells; falling into the bids
	// endangers buys.
	threatened := SideSell
	if changeBps < 0 {
		threatened = SideBuy
	}

	cancelled := p.cancelThreatened(ctx, symbol, threatened, ts)

	p.mu.Lock()
	p.cancelled += cancelled
	p.mu.Unlock()

	metrics.ProtectionTriggers.WithLabelValues(symbol).Inc()
	p.events.Publish(event.Event{
		Type:   event.TypeSafetyTriggered,
		Symbol: symbol,
		Side:   string(threatened),
		Reason: "lead venue moved",
		Price:  mark,
		Ts:     ts,
	})
	slog.Warn("lead move triggered protective cancel",
		slog.String("symbol", symbol),
		slog.String("side", string(threatened)),
		slog.Float64("change_bps", changeBps),
		slog.Int("cancelled", cancelled))
}

// cancelThreatened cancels the threatened side's quotes that have already
// earned their minimum dwell. The order lock still applies on top.
func (p *FillProtection) cancelThreatened(ctx context.Context, symbol string, side Side, now time.Time) int {
	minDwell := infra.Secs(p.cfg.SmartThresholdSeconds)

	cancelled := 0
	for _, order := range p.orders.Snapshot(symbol) {
		if order.Side != side {
			continue
		}
		if now.Sub(order.CreatedAt) < minDwell {
			slog.Debug("quote below minimum dwell, not cancelling",
				slog.String("cl_ord_id", order.ClientID),
				slog.Duration("age", now.Sub(order.CreatedAt)))
			continue
		}

		res, err := p.orders.Cancel(ctx, order.ClientID, false)
		if err != nil {
			slog.Warn("protective cancel failed",
				slog.String("cl_ord_id", order.ClientID),
				slog.Any("error", err))
			continue
		}
		if res == CancelOK {
			cancelled++
		}
	}
	return cancelled
}

// changeBps computes the move over the window. Must be called with the
// lock held.
func (p *FillProtection) changeBps(symbol string, now time.Time, window time.Duration) float64 {
	h := p.history[symbol]
	if len(h) < 2 {
		return 0
	}

	latest := h[len(h)-1]
	target := now.Add(-window)

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
	return (latest.price - ref.price) / ref.price * 10000
}

// Stats returns (triggers, orders cancelled) so far.
func (p *FillProtection) Stats() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggers, p.cancelled
}
