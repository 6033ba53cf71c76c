package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/londonpotato1/standx-maker-bot/internal/event"
	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/internal/infra"
	"github.com/londonpotato1/standx-maker-bot/pkg/metrics"
)

// OrderStatus is the lifecycle state of a managed order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusFailed    OrderStatus = "FAILED"
)

// ManagedOrder is the local shadow of one exchange order. Owned exclusively
// by the OrderManager; Snapshot returns copies.
type ManagedOrder struct {
	ClientID   string
	ExchangeID string
	Symbol     string
	Side       Side
	Slot       int
	Qty        float64
	Price      float64
	Status     OrderStatus
	FilledQty  float64

	CreatedAt          time.Time
	LockUntil          time.Time
	LastSeenOnExchange time.Time

	ErrMsg string
}

// Active reports whether the order may still be resting on the venue.
func (o *ManagedOrder) Active() bool {
	return o.Status == StatusSubmitted || o.Status == StatusOpen
}

// Terminal reports whether the order reached a final state.
func (o *ManagedOrder) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Locked reports whether the dwell lock still forbids voluntary cancels.
func (o *ManagedOrder) Locked(now time.Time) bool {
	return now.Before(o.LockUntil)
}

// NotionalUSD is the order's exposure.
func (o *ManagedOrder) NotionalUSD() float64 {
	return o.Price * o.Qty
}

// Fill reports an adverse execution back to the strategy.
type Fill struct {
	Symbol   string
	Side     Side
	Slot     int
	Qty      float64
	Price    float64
	ClientID string
}

// CancelResult is the outcome of a cancel attempt.
type CancelResult int

const (
	CancelOK CancelResult = iota
	CancelLocked
	CancelNotFound
)

// restAPI is the venue surface the manager consumes.
type restAPI interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, symbol, clOrdID string) error
	ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	GetOrder(ctx context.Context, symbol, clOrdID string) (*exchange.OrderDetail, error)
}

// OrderManagerConfig carries the timing knobs.
type OrderManagerConfig struct {
	LockSeconds        float64
	GracePeriodSeconds float64
	NotFoundTimeoutSec float64
	Leverage           int
}

// OrderManager owns the local order book shadow. It issues places and
// cancels, reconciles against the venue's eventually-consistent view, and
// enforces the per-order dwell lock.
//
// The venue's read-after-write consistency is weak: a freshly placed order
// can be invisible through the list endpoint for seconds. Reconciliation
// therefore skips orders younger than the grace period and only concludes
// "cancelled" from a 404 once the order is older than the 404 timeout.
type OrderManager struct {
	api    restAPI
	cfg    OrderManagerConfig
	events *event.Bus

	mu     sync.Mutex
	orders map[string]*ManagedOrder // client id -> order

	fills chan Fill

	now func() time.Time
}

// NewOrderManager creates a manager.
func NewOrderManager(api restAPI, cfg OrderManagerConfig, events *event.Bus) *OrderManager {
	return &OrderManager{
		api:    api,
		cfg:    cfg,
		events: events,
		orders: make(map[string]*ManagedOrder),
		fills:  make(chan Fill, 64),
		now:    time.Now,
	}
}

// Fills returns the channel of adverse executions.
func (m *OrderManager) Fills() <-chan Fill {
	return m.fills
}

// SetNow overrides the clock, for deterministic tests.
func (m *OrderManager) SetNow(fn func() time.Time) {
	m.now = fn
}

func mintClientID(symbol string, side Side) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("maker_%s_%s_%s", symbol, strings.ToLower(string(side)), short)
}

// Place mints a client id, inserts a PENDING record and issues the REST
// place. Success means HTTP acceptance only; the venue may not have the
// order queryable yet.
func (m *OrderManager) Place(ctx context.Context, symbol string, side Side, slot int, qty, price float64, spec infra.SymbolSpec) (string, error) {
	now := m.now()
	clientID := mintClientID(symbol, side)

	order := &ManagedOrder{
		ClientID:  clientID,
		Symbol:    symbol,
		Side:      side,
		Slot:      slot,
		Qty:       qty,
		Price:     price,
		Status:    StatusPending,
		CreatedAt: now,
		LockUntil: now.Add(infra.Secs(m.cfg.LockSeconds)),
	}

	m.mu.Lock()
	m.orders[clientID] = order
	m.mu.Unlock()

	wireSide := exchange.SideBuy
	if side == SideSell {
		wireSide = exchange.SideSell
	}

	resp, err := m.api.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:      symbol,
		Side:        wireSide,
		OrderType:   exchange.OrderTypeLimit,
		Qty:         exchange.FormatQty(qty, spec.QtyPrecision),
		Price:       exchange.FormatPrice(price, spec.TickSize),
		TimeInForce: exchange.TifPostOnly,
		ClOrdID:     clientID,
		Leverage:    m.cfg.Leverage,
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		order.Status = StatusFailed
		order.ErrMsg = err.Error()
		if exchange.IsTimeout(err) {
			// The place may have landed anyway; reconciliation will surface
			// it as an unowned order and the 404 rule prevents churn.
			slog.Warn("place timed out, venue state unknown",
				slog.String("cl_ord_id", clientID))
		}
		return "", fmt.Errorf("place %s %s: %w", symbol, side, err)
	}

	order.Status = StatusSubmitted
	order.ExchangeID = resp.OrderID

	metrics.OrdersPlaced.WithLabelValues(symbol).Inc()
	m.events.Publish(event.Event{
		Type: event.TypeOrderPlaced, Symbol: symbol, Side: string(side), Slot: slot,
		Price: price, Qty: qty, ClientID: clientID, Ts: now,
	})
	slog.Info("order placed",
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Int("slot", slot),
		slog.Float64("price", price),
		slog.Float64("qty", qty))

	return clientID, nil
}

// PlaceMarket issues a market order, used for reduce-only flattening after
// an adverse fill.
func (m *OrderManager) PlaceMarket(ctx context.Context, symbol string, side Side, qty float64, reduceOnly bool, spec infra.SymbolSpec) error {
	clientID := mintClientID(symbol, side) + "_mkt"

	wireSide := exchange.SideBuy
	if side == SideSell {
		wireSide = exchange.SideSell
	}

	_, err := m.api.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:      symbol,
		Side:        wireSide,
		OrderType:   exchange.OrderTypeMarket,
		Qty:         exchange.FormatQty(qty, spec.QtyPrecision),
		TimeInForce: exchange.TifIOC,
		ClOrdID:     clientID,
		ReduceOnly:  reduceOnly,
		Leverage:    m.cfg.Leverage,
	})
	if err != nil {
		return fmt.Errorf("market %s %s: %w", symbol, side, err)
	}

	slog.Info("position flattened",
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("qty", qty))
	return nil
}

// Cancel cancels a managed order. Without force, a locked order is left
// alone and CancelLocked is returned. Cancels are idempotent: a venue 404
// counts as success.
func (m *OrderManager) Cancel(ctx context.Context, clientID string, force bool) (CancelResult, error) {
	m.mu.Lock()
	order, ok := m.orders[clientID]
	if !ok {
		m.mu.Unlock()
		return CancelNotFound, nil
	}
	if order.Terminal() {
		m.mu.Unlock()
		return CancelOK, nil
	}
	if !force && order.Locked(m.now()) {
		m.mu.Unlock()
		return CancelLocked, nil
	}
	symbol := order.Symbol
	m.mu.Unlock()

	err := m.api.CancelOrder(ctx, symbol, clientID)
	if err != nil && !exchange.IsNotFound(err) {
		return CancelOK, fmt.Errorf("cancel %s: %w", clientID, err)
	}

	m.mu.Lock()
	if order.Terminal() {
		// A concurrent sync resolved the order first; keep its verdict.
		m.mu.Unlock()
		return CancelOK, nil
	}
	order.Status = StatusCancelled
	m.mu.Unlock()

	metrics.OrdersCancelled.WithLabelValues(symbol).Inc()
	m.events.Publish(event.Event{
		Type: event.TypeOrderCancelled, Symbol: symbol, Side: string(order.Side),
		Slot: order.Slot, Price: order.Price, ClientID: clientID, Ts: m.now(),
	})
	return CancelOK, nil
}

// CancelAll cancels every active order of the symbol. With force it
// bypasses locks (KILL_ALL path). Returns the number of cancels issued.
func (m *OrderManager) CancelAll(ctx context.Context, symbol string, force bool) int {
	m.mu.Lock()
	ids := make([]string, 0, 4)
	for id, o := range m.orders {
		if o.Symbol == symbol && o.Active() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	count := 0
	for _, id := range ids {
		res, err := m.Cancel(ctx, id, force)
		if err != nil {
			slog.Warn("cancel failed, retrying next cycle",
				slog.String("cl_ord_id", id),
				slog.Any("error", err))
			continue
		}
		if res == CancelOK {
			count++
		}
	}
	return count
}

// Sync reconciles the local shadow against the venue.
//
// Orders younger than the grace period are skipped outright: the venue has
// not indexed them yet, and treating the gap as "cancelled" creates a
// replace loop that never converges. For older orders missing from the
// list, a targeted query decides; a 404 only becomes CANCELLED after the
// 404 timeout.
func (m *OrderManager) Sync(ctx context.Context, symbol string) error {
	open, err := m.api.ListOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("sync %s: %w", symbol, err)
	}

	exchangeSet := make(map[string]bool, len(open))
	for _, o := range open {
		if o.ClOrdID != "" {
			exchangeSet[o.ClOrdID] = true
		}
		if o.OrderID != "" {
			exchangeSet[o.OrderID] = true
		}
	}

	m.mu.Lock()
	known := make(map[string]bool, len(m.orders))
	var locals []*ManagedOrder
	for id, o := range m.orders {
		known[id] = true
		if o.ExchangeID != "" {
			known[o.ExchangeID] = true
		}
		if o.Symbol == symbol && o.Active() {
			locals = append(locals, o)
		}
	}
	m.mu.Unlock()

	now := m.now()
	grace := infra.Secs(m.cfg.GracePeriodSeconds)

	for _, order := range locals {
		age := now.Sub(order.CreatedAt)
		if age < grace {
			continue
		}

		if exchangeSet[order.ClientID] || (order.ExchangeID != "" && exchangeSet[order.ExchangeID]) {
			m.mu.Lock()
			order.Status = StatusOpen
			order.LastSeenOnExchange = now
			m.mu.Unlock()
			continue
		}

		m.resolveMissing(ctx, order, age)
	}

	// Orders resting on the venue that we do not own are never adopted; a
	// previous instance may have left them.
	for _, o := range open {
		if o.ClOrdID != "" && !known[o.ClOrdID] && !known[o.OrderID] {
			slog.Warn("ignoring unowned exchange order",
				slog.String("symbol", symbol),
				slog.String("cl_ord_id", o.ClOrdID))
		}
	}

	return nil
}

// resolveMissing handles an active local order absent from the open list.
func (m *OrderManager) resolveMissing(ctx context.Context, order *ManagedOrder, age time.Duration) {
	detail, err := m.api.GetOrder(ctx, order.Symbol, order.ClientID)
	if err != nil {
		if exchange.IsNotFound(err) {
			if age > infra.Secs(m.cfg.NotFoundTimeoutSec) {
				m.mu.Lock()
				order.Status = StatusCancelled
				m.mu.Unlock()
				metrics.OrdersCancelled.WithLabelValues(order.Symbol).Inc()
				slog.Info("order aged out after repeated 404s",
					slog.String("cl_ord_id", order.ClientID))
			}
			// Inside the timeout: propagation delay, leave unchanged.
			return
		}
		slog.Warn("order query failed",
			slog.String("cl_ord_id", order.ClientID),
			slog.Any("error", err))
		return
	}

	switch detail.Status {
	case "filled":
		m.mu.Lock()
		order.Status = StatusFilled
		order.FilledQty = detail.FilledQtyFloat()
		if order.FilledQty == 0 {
			order.FilledQty = order.Qty
		}
		fill := Fill{
			Symbol: order.Symbol, Side: order.Side, Slot: order.Slot,
			Qty: order.FilledQty, Price: order.Price, ClientID: order.ClientID,
		}
		m.mu.Unlock()

		metrics.OrdersFilled.WithLabelValues(order.Symbol).Inc()
		m.events.Publish(event.Event{
			Type: event.TypeOrderFilled, Symbol: order.Symbol, Side: string(order.Side),
			Slot: order.Slot, Price: order.Price, Qty: fill.Qty,
			ClientID: order.ClientID, Ts: m.now(),
		})
		select {
		case m.fills <- fill:
		default:
			slog.Error("fill channel full, dropping",
				slog.String("cl_ord_id", order.ClientID))
		}

	case "cancelled", "canceled", "rejected":
		m.mu.Lock()
		order.Status = StatusCancelled
		m.mu.Unlock()
		metrics.OrdersCancelled.WithLabelValues(order.Symbol).Inc()
	}
	// "open"/"pending": leave as-is, next list pass will confirm.
}

// Get returns a copy of one order.
func (m *OrderManager) Get(clientID string) (ManagedOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	if !ok {
		return ManagedOrder{}, false
	}
	return *o, true
}

// Snapshot returns copies of the symbol's active orders keyed by cell.
func (m *OrderManager) Snapshot(symbol string) map[CellKey]ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[CellKey]ManagedOrder)
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Active() {
			out[CellKey{Side: o.Side, Slot: o.Slot}] = *o
		}
	}
	return out
}

// TotalNotionalUSD sums the exposure of the symbol's active orders.
func (m *OrderManager) TotalNotionalUSD(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Active() {
			total += o.NotionalUSD()
		}
	}
	return total
}

// CleanupDone drops terminal orders older than maxAge from the shadow.
func (m *OrderManager) CleanupDone(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	for id, o := range m.orders {
		if o.Terminal() && o.CreatedAt.Before(cutoff) {
			delete(m.orders, id)
		}
	}
}
