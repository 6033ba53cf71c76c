package strategy

import (
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/core"
)

// symbolState is the per-symbol mutable state. Each instance is owned by
// exactly one strategy goroutine; nothing else writes it.
type symbolState struct {
	symbol string

	lastRebalance    time.Time
	lastSync         time.Time
	lastPlacedLadder float64 // reference price at placement; 0 = no ladder

	cells map[core.CellKey]string // cell -> client id
}

func newSymbolState(symbol string) *symbolState {
	return &symbolState{
		symbol: symbol,
		cells:  make(map[core.CellKey]string),
	}
}

// Stats are the engine counters. The strategy guards them with its own
// mutex; Stats() hands out copies.
type Stats struct {
	StartTime       time.Time
	OrdersPlaced    int
	OrdersCancelled int
	Rebalances      int
	Fills           int
	Liquidations    int
	EstimatedPoints float64
}
