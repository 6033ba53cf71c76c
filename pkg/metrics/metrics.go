package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the quoting engine, labelled by symbol.
var (
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "makerbot_orders_placed_total",
		Help: "Limit orders accepted by the venue.",
	}, []string{"symbol"})

	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "makerbot_orders_cancelled_total",
		Help: "Orders cancelled, voluntarily or by the venue.",
	}, []string{"symbol"})

	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "makerbot_orders_filled_total",
		Help: "Adverse fills observed.",
	}, []string{"symbol"})

	Rebalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "makerbot_rebalances_total",
		Help: "Ladder placements and replacements.",
	}, []string{"symbol"})

	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "makerbot_liquidations_total",
		Help: "Reduce-only market orders issued to flatten fills.",
	}, []string{"symbol"})

	SafetyTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "makerbot_safety_triggers_total",
		Help: "Safety gate activations by state.",
	}, []string{"symbol", "state"})

	ProtectionTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "makerbot_protection_triggers_total",
		Help: "Lead-venue fill protection activations.",
	}, []string{"symbol"})
)
