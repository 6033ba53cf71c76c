package core

import (
	"math"

	"github.com/shopspring/decimal"
)

// Band is a venue distance tier. Points accrue at 100%/50%/10% of notional
// for A/B/C; outside C nothing accrues.
type Band int

const (
	BandA Band = iota
	BandB
	BandC
	BandOut
)

const (
	bandAMaxBps = 10.0
	bandBMaxBps = 30.0
	bandCMaxBps = 100.0
)

func (b Band) String() string {
	switch b {
	case BandA:
		return "A"
	case BandB:
		return "B"
	case BandC:
		return "C"
	default:
		return "OUT"
	}
}

// Classify maps a distance in bps to its band.
func Classify(distanceBps float64) Band {
	switch {
	case distanceBps <= bandAMaxBps:
		return BandA
	case distanceBps <= bandBMaxBps:
		return BandB
	case distanceBps <= bandCMaxBps:
		return BandC
	default:
		return BandOut
	}
}

// Multiplier returns the points multiplier of a band.
func Multiplier(b Band) float64 {
	switch b {
	case BandA:
		return 1.0
	case BandB:
		return 0.5
	case BandC:
		return 0.1
	default:
		return 0
	}
}

// DistanceBps is the absolute distance of a price from the reference, in bps.
func DistanceBps(price, reference float64) float64 {
	if reference <= 0 {
		return math.Inf(1)
	}
	return math.Abs(price-reference) / reference * 10000
}

// QuotePrice computes the ladder price for one side at the given offset and
// rounds it outward to the tick: BUY down, SELL up. Rounding toward the
// reference would eat into the protective margin.
func QuotePrice(reference float64, side Side, offsetBps float64, tick float64) float64 {
	var raw float64
	if side == SideBuy {
		raw = reference * (1 - offsetBps/10000)
	} else {
		raw = reference * (1 + offsetBps/10000)
	}
	return roundOutward(raw, side, tick)
}

func roundOutward(price float64, side Side, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	// Float arithmetic can leave an on-tick price a hair below its tick
	// (94000*(1-6/10000) is 93943.59999999999); rounding the step count
	// first keeps such a price on its tick instead of a whole tick away.
	steps := p.Div(t).Round(8)
	if side == SideBuy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	out, _ := steps.Mul(t).Float64()
	return out
}

// BuildLadder produces the desired quotes: the Cartesian product of both
// sides with the configured offsets, inner slot first.
func BuildLadder(reference float64, offsetsBps []float64, tick float64) []QuoteSpec {
	specs := make([]QuoteSpec, 0, 2*len(offsetsBps))
	for i, offset := range offsetsBps {
		for _, side := range []Side{SideBuy, SideSell} {
			specs = append(specs, QuoteSpec{
				Side:      side,
				Slot:      i + 1,
				OffsetBps: offset,
				Price:     QuotePrice(reference, side, offset, tick),
			})
		}
	}
	return specs
}

// DynamicDistance derives a target quote distance from current market
// conditions: d = clamp(max(2*tick, spread*sf, vol*vf), min, max).
func DynamicDistance(spreadBps, volatilityBps, tickBps, minBps, maxBps, spreadFactor, volatilityFactor float64) float64 {
	raw := minBps
	if v := tickBps * 2; v > raw {
		raw = v
	}
	if v := spreadBps * spreadFactor; v > raw {
		raw = v
	}
	if v := volatilityBps * volatilityFactor; v > raw {
		raw = v
	}
	if raw < minBps {
		return minBps
	}
	if raw > maxBps {
		return maxBps
	}
	return raw
}
