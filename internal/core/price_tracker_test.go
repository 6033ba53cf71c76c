package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
)

type fakePriceAPI struct {
	resp  *exchange.SymbolPrice
	err   error
	calls int
}

func (f *fakePriceAPI) QuerySymbolPrice(ctx context.Context, symbol string) (*exchange.SymbolPrice, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestPriceTracker_PushAndLatest(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tracker := NewPriceTracker(nil, 5*time.Second)
	tracker.SetNow(func() time.Time { return base.Add(time.Second) })

	tracker.OnPush("BTC-USD", 94000, 93995, 94005, base)

	snap := tracker.Latest(context.Background(), "BTC-USD")
	require.NotNil(t, snap)
	require.Equal(t, 94000.0, snap.Mark)
	require.Equal(t, 94000.0, snap.Mid)
	require.InDelta(t, 10.0/94000*10000, snap.SpreadBps, 1e-9)
}

func TestPriceTracker_NoReference(t *testing.T) {
	tracker := NewPriceTracker(nil, 5*time.Second)
	require.Nil(t, tracker.Latest(context.Background(), "BTC-USD"),
		"no data at all must yield nil, not a fabricated snapshot")
}

func TestPriceTracker_OlderPushDropped(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tracker := NewPriceTracker(nil, 5*time.Second)
	tracker.SetNow(func() time.Time { return base.Add(2 * time.Second) })

	tracker.OnPush("BTC-USD", 94000, 93995, 94005, base.Add(time.Second))
	tracker.OnPush("BTC-USD", 90000, 89995, 90005, base) // stale push

	snap := tracker.Latest(context.Background(), "BTC-USD")
	require.NotNil(t, snap)
	require.Equal(t, 94000.0, snap.Mark, "older push must not replace the snapshot")
}

func TestPriceTracker_RestFallbackAfterSilence(t *testing.T) {
	base := time.Unix(1700000000, 0)
	api := &fakePriceAPI{resp: &exchange.SymbolPrice{
		Symbol: "BTC-USD", MarkPrice: "94100", BestBid: "94095", BestAsk: "94105",
		Ts: base.Add(10 * time.Second).UnixMilli(),
	}}
	tracker := NewPriceTracker(api, 5*time.Second)

	now := base
	tracker.SetNow(func() time.Time { return now })

	tracker.OnPush("BTC-USD", 94000, 93995, 94005, base)

	// Fresh push: no REST call.
	snap := tracker.Latest(context.Background(), "BTC-USD")
	require.Equal(t, 94000.0, snap.Mark)
	require.Equal(t, 0, api.calls)

	// Stream quiet for longer than the fallback interval: REST kicks in.
	now = base.Add(10 * time.Second)
	snap = tracker.Latest(context.Background(), "BTC-USD")
	require.Equal(t, 1, api.calls)
	require.Equal(t, 94100.0, snap.Mark)
}

func TestPriceTracker_RestFailureKeepsOldSnapshot(t *testing.T) {
	base := time.Unix(1700000000, 0)
	api := &fakePriceAPI{err: &exchange.APIError{Kind: exchange.KindNetwork}}
	tracker := NewPriceTracker(api, 5*time.Second)

	now := base
	tracker.SetNow(func() time.Time { return now })

	tracker.OnPush("BTC-USD", 94000, 93995, 94005, base)

	now = base.Add(10 * time.Second)
	snap := tracker.Latest(context.Background(), "BTC-USD")
	require.NotNil(t, snap, "stale snapshot is still returned; staleness is the guard's call")
	require.Equal(t, 94000.0, snap.Mark)
}

func TestPriceSnapshot_Staleness(t *testing.T) {
	base := time.Unix(1700000000, 0)
	snap := &PriceSnapshot{UpdatedAt: base}

	require.False(t, snap.Stale(base.Add(29*time.Second), 30*time.Second))
	require.True(t, snap.Stale(base.Add(31*time.Second), 30*time.Second))
}

func TestPriceSnapshot_MarkMidDivergence(t *testing.T) {
	snap := &PriceSnapshot{Mark: 94000, Mid: 94050}
	require.InDelta(t, 50.0/94050*10000, snap.MarkMidDivergenceBps(), 1e-9)

	empty := &PriceSnapshot{Mark: 94000}
	require.Zero(t, empty.MarkMidDivergenceBps())
}

func TestPriceTracker_Volatility(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tracker := NewPriceTracker(nil, 5*time.Second)
	tracker.SetNow(func() time.Time { return base.Add(5 * time.Second) })

	tracker.OnPush("BTC-USD", 94000, 0, 0, base)
	tracker.OnPush("BTC-USD", 94100, 0, 0, base.Add(2*time.Second))
	tracker.OnPush("BTC-USD", 94050, 0, 0, base.Add(4*time.Second))

	vol := tracker.VolatilityBps("BTC-USD", 10*time.Second)
	mid := (94100.0 + 94000.0) / 2
	require.InDelta(t, 100.0/mid*10000, vol, 1e-9)

	require.Zero(t, tracker.VolatilityBps("ETH-USD", 10*time.Second))
}

func TestPriceTracker_SnapshotObserver(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tracker := NewPriceTracker(nil, 5*time.Second)

	var seen []float64
	tracker.OnSnapshot(func(snap *PriceSnapshot) {
		seen = append(seen, snap.Mark)
	})

	tracker.OnPush("BTC-USD", 94000, 0, 0, base)
	tracker.OnPush("BTC-USD", 94100, 0, 0, base.Add(time.Second))
	tracker.OnPush("BTC-USD", 93000, 0, 0, base) // dropped, older

	require.Equal(t, []float64{94000, 94100}, seen)
}
