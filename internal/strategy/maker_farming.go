package strategy

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/core"
	"github.com/londonpotato1/standx-maker-bot/internal/event"
	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/internal/infra"
	"github.com/londonpotato1/standx-maker-bot/pkg/metrics"
)

// balanceAPI sizes orders against the account's free margin.
type balanceAPI interface {
	GetBalance(ctx context.Context) (*exchange.Balance, error)
}

const (
	liquidationFeeReserveUSD = 0.50
	minOrderSizeUSD          = 1.0
)

// MakerFarming keeps a symmetric ladder of resting limit orders inside the
// tightest points band while avoiding fills. One goroutine per symbol drives
// the tick loop; each goroutine is the sole writer of its symbol's state and
// of that symbol's order mutations.
type MakerFarming struct {
	cfg     *infra.Config
	tracker *core.PriceTracker
	guard   *core.SafetyGuard
	orders  *core.OrderManager
	events  *event.Bus
	balance balanceAPI

	statsMu sync.Mutex
	stats   Stats
	states  map[string]*symbolState

	effectiveOrderSizeUSD float64

	// consecutive-fill protection, shared across symbols
	fillMu          sync.Mutex
	fillTimes       []time.Time
	fillPauseUntil  time.Time
	escalationLevel int
	lastPauseEnd    time.Time

	now func() time.Time
}

// New creates the strategy.
func New(cfg *infra.Config, tracker *core.PriceTracker, guard *core.SafetyGuard, orders *core.OrderManager, events *event.Bus, balance balanceAPI) *MakerFarming {
	s := &MakerFarming{
		cfg:     cfg,
		tracker: tracker,
		guard:   guard,
		orders:  orders,
		events:  events,
		balance: balance,
		states:  make(map[string]*symbolState),
		now:     time.Now,
	}
	s.stats.StartTime = s.now()
	s.effectiveOrderSizeUSD = cfg.Strategy.OrderSizeUSD
	for _, symbol := range cfg.Strategy.Symbols {
		s.states[symbol] = newSymbolState(symbol)
	}
	return s
}

// SetNow overrides the clock, for deterministic tests.
func (s *MakerFarming) SetNow(fn func() time.Time) {
	s.now = fn
}

// Run starts one tick loop per symbol and blocks until ctx is done.
func (s *MakerFarming) Run(ctx context.Context) {
	s.calculateEffectiveOrderSize(ctx)

	var wg sync.WaitGroup
	for _, symbol := range s.cfg.Strategy.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			s.runSymbol(ctx, sym)
		}(symbol)
	}
	wg.Wait()
}

func (s *MakerFarming) runSymbol(ctx context.Context, symbol string) {
	interval := infra.Secs(s.cfg.Strategy.CheckIntervalSeconds)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("quoting started", slog.String("symbol", symbol))

	for {
		select {
		case <-ctx.Done():
			s.orders.CancelAll(context.Background(), symbol, true)
			return
		case <-ticker.C:
			if s.guard.EmergencyStopped() {
				slog.Error("emergency stop latched, quoting halted",
					slog.String("symbol", symbol))
				return
			}
			s.Tick(ctx, symbol)
		}
	}
}

// Tick runs one control-loop iteration for the symbol.
func (s *MakerFarming) Tick(ctx context.Context, symbol string) {
	st := s.states[symbol]
	now := s.now()

	snap := s.tracker.Latest(ctx, symbol)
	if snap == nil {
		// No reference price at all; acting on an assumed zero would be
		// worse than not quoting.
		return
	}

	gate := s.guard.Gate(ctx, symbol, snap, now)
	if gate.State == core.GateKillAll {
		cancelled := s.orders.CancelAll(ctx, symbol, true)
		st.lastPlacedLadder = 0
		for k := range st.cells {
			delete(st.cells, k)
		}
		s.statsMu.Lock()
		s.stats.OrdersCancelled += cancelled
		s.statsMu.Unlock()
		metrics.SafetyTriggers.WithLabelValues(symbol, "KILL_ALL").Inc()
		slog.Warn("kill-all executed",
			slog.String("symbol", symbol),
			slog.String("reason", gate.Reason),
			slog.Int("cancelled", cancelled))
		return
	}

	if now.Sub(st.lastSync) >= infra.Secs(s.cfg.Strategy.SyncIntervalSeconds) {
		if err := s.orders.Sync(ctx, symbol); err != nil {
			slog.Warn("reconcile failed",
				slog.String("symbol", symbol),
				slog.Any("error", err))
		}
		st.lastSync = now
	}

	s.drainFills(ctx)
	s.checkEscalationReset(now)
	s.pruneCells(st)
	s.updatePointsEstimate(now)

	if s.consecutiveFillPaused(now) {
		return
	}

	need, reason := s.needsRebalance(st, snap, now)
	if !need {
		return
	}
	if gate.State == core.GatePauseNew {
		slog.Debug("rebalance deferred, new placements paused",
			slog.String("symbol", symbol),
			slog.String("reason", gate.Reason))
		return
	}
	if !st.lastRebalance.IsZero() && now.Sub(st.lastRebalance) < infra.Secs(s.cfg.Strategy.RebalanceCooldownSecs) {
		return
	}

	s.rebalance(ctx, st, snap, now, reason)
}

// pruneCells drops cell references whose orders reached a terminal state,
// freeing the cell for the next replace step.
func (s *MakerFarming) pruneCells(st *symbolState) {
	for key, id := range st.cells {
		order, ok := s.orders.Get(id)
		if !ok || order.Terminal() {
			delete(st.cells, key)
		}
	}
}

// drainFills flattens every adverse fill with a reducing market order.
func (s *MakerFarming) drainFills(ctx context.Context) {
	for {
		select {
		case fill := <-s.orders.Fills():
			s.handleFill(ctx, fill)
		default:
			return
		}
	}
}

func (s *MakerFarming) handleFill(ctx context.Context, fill core.Fill) {
	now := s.now()

	s.statsMu.Lock()
	s.stats.Fills++
	s.statsMu.Unlock()

	slog.Warn("adverse fill",
		slog.String("symbol", fill.Symbol),
		slog.String("side", string(fill.Side)),
		slog.Int("slot", fill.Slot),
		slog.Float64("qty", fill.Qty),
		slog.Float64("price", fill.Price))

	s.recordFill(now)

	spec := s.cfg.Spec(fill.Symbol)
	if err := s.orders.PlaceMarket(ctx, fill.Symbol, core.Opposite(fill.Side), fill.Qty, true, spec); err != nil {
		slog.Error("flatten failed",
			slog.String("symbol", fill.Symbol),
			slog.Any("error", err))
		return
	}

	s.statsMu.Lock()
	s.stats.Liquidations++
	s.statsMu.Unlock()
	metrics.Liquidations.WithLabelValues(fill.Symbol).Inc()
}

// Rebalance causes. Drift replaces the whole ladder; band-exit and refill
// only touch the affected cells, so healthy quotes keep their dwell time.
const (
	reasonInitial  = "initial placement"
	reasonDrift    = "drift"
	reasonBandExit = "band exit"
	reasonRefill   = "refill"
)

// needsRebalance decides whether the ladder has to move.
func (s *MakerFarming) needsRebalance(st *symbolState, snap *core.PriceSnapshot, now time.Time) (bool, string) {
	if st.lastPlacedLadder == 0 {
		return true, reasonInitial
	}

	drift := core.DistanceBps(snap.Mark, st.lastPlacedLadder)
	if drift >= s.cfg.Strategy.DriftThresholdBps {
		return true, reasonDrift
	}

	maxDist := s.cfg.Strategy.MaxDistanceBps
	for _, id := range st.cells {
		order, ok := s.orders.Get(id)
		if !ok || !order.Active() {
			continue
		}
		if d := core.DistanceBps(order.Price, snap.Mark); d > maxDist {
			return true, reasonBandExit
		}
	}

	distances := s.distances(st.symbol)
	if len(st.cells) < 2*len(distances) {
		return true, reasonRefill
	}

	return false, ""
}

// distances resolves the ladder offsets, dynamic when enabled.
func (s *MakerFarming) distances(symbol string) []float64 {
	base := s.cfg.Strategy.Distances()
	dd := s.cfg.Strategy.DynamicDistance
	if !dd.Enabled {
		return base
	}

	spread := 0.0
	if snap := s.tracker.Latest(context.Background(), symbol); snap != nil {
		spread = snap.SpreadBps
	}
	vol := s.tracker.VolatilityBps(symbol, 10*time.Second)
	spec := s.cfg.Spec(symbol)
	tickBps := 0.0
	if snap := s.tracker.Latest(context.Background(), symbol); snap != nil && snap.Mark > 0 {
		tickBps = spec.TickSize / snap.Mark * 10000
	}

	target := core.DynamicDistance(spread, vol, tickBps, dd.MinBps, dd.MaxBps, dd.SpreadFactor, dd.VolatilityFactor)

	// Keep the configured ladder shape, shifted so the inner quote sits at
	// the dynamic target.
	out := make([]float64, len(base))
	shift := target - base[0]
	for i, d := range base {
		out[i] = d + shift
		if out[i] > s.cfg.Strategy.MaxDistanceBps {
			out[i] = s.cfg.Strategy.MaxDistanceBps
		}
	}
	return out
}

// rebalance converges the live ladder toward the desired one with the
// cross-interleaved sequence BUY1, SELL1, BUY2, SELL2. Cancelling and
// replacing one cell at a time keeps at least one order on each side
// resting throughout, so two-sidedness is never lost for more than one
// cancel/place round-trip.
func (s *MakerFarming) rebalance(ctx context.Context, st *symbolState, snap *core.PriceSnapshot, now time.Time, reason string) {
	symbol := st.symbol
	spec := s.cfg.Spec(symbol)
	distances := s.distances(symbol)

	slog.Info("rebalancing",
		slog.String("symbol", symbol),
		slog.String("reason", reason),
		slog.Float64("reference", snap.Mark))

	fullReplace := reason == reasonInitial || reason == reasonDrift
	maxDist := s.cfg.Strategy.MaxDistanceBps

	placed := 0
	lockSkipped := false
	for slot := 1; slot <= len(distances); slot++ {
		for _, side := range []core.Side{core.SideBuy, core.SideSell} {
			key := core.CellKey{Side: side, Slot: slot}

			if id, ok := st.cells[key]; ok {
				order, exists := s.orders.Get(id)
				if !fullReplace && exists && order.Active() &&
					core.DistanceBps(order.Price, snap.Mark) <= maxDist {
					// Quote still inside the band; leave it resting.
					continue
				}

				res, err := s.orders.Cancel(ctx, id, false)
				if err != nil {
					slog.Warn("cancel failed, retrying next tick",
						slog.String("cl_ord_id", id),
						slog.Any("error", err))
					continue
				}
				if res == core.CancelLocked {
					// Dwell lock still running; leave this cell for the
					// next tick.
					lockSkipped = true
					continue
				}
				delete(st.cells, key)
				s.statsMu.Lock()
				s.stats.OrdersCancelled++
				s.statsMu.Unlock()
			}

			price := core.QuotePrice(snap.Mark, side, distances[slot-1], spec.TickSize)
			qty := s.orderQty(symbol, price, spec)
			if qty < spec.MinQty {
				slog.Warn("order below venue minimum, skipping",
					slog.String("symbol", symbol),
					slog.Float64("qty", qty))
				continue
			}

			id, err := s.orders.Place(ctx, symbol, side, slot, qty, price, spec)
			if err != nil {
				slog.Warn("place failed",
					slog.String("symbol", symbol),
					slog.String("side", string(side)),
					slog.Int("slot", slot),
					slog.Any("error", err))
				continue
			}
			st.cells[key] = id
			placed++
			s.statsMu.Lock()
			s.stats.OrdersPlaced++
			s.statsMu.Unlock()
		}
	}

	if lockSkipped {
		// Incomplete pass: leave the bookkeeping alone so the next tick
		// retries the locked cells without waiting out the cooldown.
		slog.Debug("rebalance incomplete, locked cells retried next tick",
			slog.String("symbol", symbol),
			slog.Int("placed", placed))
		return
	}

	st.lastPlacedLadder = snap.Mark
	st.lastRebalance = now

	s.statsMu.Lock()
	s.stats.Rebalances++
	s.statsMu.Unlock()
	metrics.Rebalances.WithLabelValues(symbol).Inc()

	s.events.Publish(event.Event{
		Type: event.TypeRebalance, Symbol: symbol, Price: snap.Mark,
		Reason: reason, Ts: now,
	})
	slog.Info("rebalance complete",
		slog.String("symbol", symbol),
		slog.Int("placed", placed))
}

// orderQty converts the effective USD size to a quantity at the venue's
// precision.
func (s *MakerFarming) orderQty(symbol string, price float64, spec infra.SymbolSpec) float64 {
	if price <= 0 {
		return 0
	}
	qty := s.effectiveOrderSizeUSD / price
	scale := 1.0
	for i := 0; i < spec.QtyPrecision; i++ {
		scale *= 10
	}
	qty = math.Round(qty*scale) / scale
	if qty < spec.MinQty {
		qty = spec.MinQty
	}
	return qty
}

// calculateEffectiveOrderSize caps the configured order size by the free
// margin, after reserving a fixed liquidation fee and the configured margin
// percentage.
func (s *MakerFarming) calculateEffectiveOrderSize(ctx context.Context) {
	s.effectiveOrderSizeUSD = s.cfg.Strategy.OrderSizeUSD
	if s.balance == nil {
		return
	}

	bal, err := s.balance.GetBalance(ctx)
	if err != nil {
		slog.Warn("balance query failed, using configured size", slog.Any("error", err))
		return
	}

	reserve := s.cfg.Strategy.MarginReservePercent / 100
	usable := bal.AvailableFloat()*(1-reserve) - liquidationFeeReserveUSD
	if usable <= 0 {
		s.effectiveOrderSizeUSD = minOrderSizeUSD
		return
	}

	maxNotional := usable * float64(s.cfg.Strategy.Leverage)
	ordersTotal := len(s.cfg.Strategy.Symbols) * 2 * len(s.cfg.Strategy.Distances())
	maxPerOrder := maxNotional / float64(ordersTotal)

	if s.cfg.Strategy.OrderSizeUSD > maxPerOrder {
		s.effectiveOrderSizeUSD = maxPerOrder
		if s.effectiveOrderSizeUSD < minOrderSizeUSD {
			s.effectiveOrderSizeUSD = minOrderSizeUSD
		}
		slog.Warn("order size capped by free margin",
			slog.Float64("configured", s.cfg.Strategy.OrderSizeUSD),
			slog.Float64("effective", s.effectiveOrderSizeUSD))
	}
}

// recordFill feeds the consecutive-fill breaker. Repeated adverse fills in
// a short window mean the quotes sit too close for current conditions; the
// pause escalates when it trips again soon after resuming.
func (s *MakerFarming) recordFill(now time.Time) {
	cf := s.cfg.FillProtection.Consecutive
	if !cf.Enabled {
		return
	}

	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	window := infra.Secs(cf.WindowSeconds)
	s.fillTimes = append(s.fillTimes, now)
	kept := s.fillTimes[:0]
	for _, t := range s.fillTimes {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	s.fillTimes = kept

	if len(s.fillTimes) < cf.MaxFills {
		return
	}

	pause := infra.Secs(cf.PauseDurationSeconds)
	if s.escalationLevel >= 1 {
		pause = infra.Secs(cf.EscalatedPauseDurationSec)
	}
	s.fillPauseUntil = now.Add(pause)
	s.escalationLevel++
	s.fillTimes = s.fillTimes[:0]

	slog.Error("consecutive fills, quoting paused",
		slog.Int("level", s.escalationLevel),
		slog.Duration("pause", pause))
}

func (s *MakerFarming) consecutiveFillPaused(now time.Time) bool {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	paused := now.Before(s.fillPauseUntil)
	if !paused && !s.fillPauseUntil.IsZero() && s.lastPauseEnd.Before(s.fillPauseUntil) {
		s.lastPauseEnd = now
	}
	return paused
}

// checkEscalationReset drops back to level zero after a long quiet stretch.
func (s *MakerFarming) checkEscalationReset(now time.Time) {
	cf := s.cfg.FillProtection.Consecutive
	if !cf.Enabled {
		return
	}

	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	if s.escalationLevel > 0 &&
		!s.lastPauseEnd.IsZero() &&
		now.After(s.fillPauseUntil) &&
		now.Sub(s.lastPauseEnd) >= infra.Secs(cf.EscalationResetSeconds) {
		slog.Info("fill escalation reset", slog.Int("from_level", s.escalationLevel))
		s.escalationLevel = 0
		s.lastPauseEnd = time.Time{}
	}
}

// updatePointsEstimate multiplies the currently resting notional by the
// runtime so far, at one point per resting dollar per day. Band multipliers
// are not applied, and notional that rested earlier is not accumulated.
func (s *MakerFarming) updatePointsEstimate(now time.Time) {
	total := 0.0
	for symbol := range s.states {
		total += s.orders.TotalNotionalUSD(symbol)
	}

	s.statsMu.Lock()
	runtimeHours := now.Sub(s.stats.StartTime).Hours()
	s.stats.EstimatedPoints = total * runtimeHours / 24
	s.statsMu.Unlock()
}

// Stats returns a copy of the counters.
func (s *MakerFarming) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
