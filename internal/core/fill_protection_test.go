package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/londonpotato1/standx-maker-bot/internal/event"
	"github.com/londonpotato1/standx-maker-bot/internal/infra"
)

func testProtectionConfig() infra.FillProtectionConfig {
	return infra.FillProtectionConfig{
		Lead: infra.LeadProtectionConfig{
			Enabled:         true,
			TriggerBps:      3,
			WindowSeconds:   0.5,
			CooldownSeconds: 0.5,
		},
		SmartThresholdSeconds: 2.5,
	}
}

// protectionRig places one quote per side, aged past lock and dwell.
func protectionRig(t *testing.T) (*FillProtection, *OrderManager, *fakeVenue, *time.Time, map[Side]string) {
	t.Helper()
	venue := newFakeVenue()
	m, now := testManager(venue)

	ids := make(map[Side]string)
	for _, side := range []Side{SideBuy, SideSell} {
		price := 93943.6
		if side == SideSell {
			price = 94056.4
		}
		id, err := m.Place(context.Background(), "BTC-USD", side, 1, 0.0001, price, btcSpec)
		require.NoError(t, err)
		ids[side] = id
	}
	*now = now.Add(3 * time.Second) // past the 0.7s lock and the 2.5s dwell

	fp := NewFillProtection(testProtectionConfig(), m, event.NewBus(16))
	return fp, m, venue, now, ids
}

func TestFillProtection_UpMoveCancelsOnlySells(t *testing.T) {
	fp, m, _, now, ids := protectionRig(t)

	base := *now
	fp.OnLeadPush(context.Background(), "BTC-USD", 94000, base)
	// +4.3 bps inside the 0.5s window.
	fp.OnLeadPush(context.Background(), "BTC-USD", 94040, base.Add(300*time.Millisecond))

	sell, _ := m.Get(ids[SideSell])
	require.Equal(t, StatusCancelled, sell.Status, "a rising lead price runs into the asks")

	buy, _ := m.Get(ids[SideBuy])
	require.Equal(t, StatusSubmitted, buy.Status, "the buy side gains distance and stays")

	triggers, cancelled := fp.Stats()
	require.Equal(t, 1, triggers)
	require.Equal(t, 1, cancelled)
}

func TestFillProtection_DownMoveCancelsOnlyBuys(t *testing.T) {
	fp, m, _, now, ids := protectionRig(t)

	base := *now
	fp.OnLeadPush(context.Background(), "BTC-USD", 94000, base)
	fp.OnLeadPush(context.Background(), "BTC-USD", 93960, base.Add(300*time.Millisecond))

	buy, _ := m.Get(ids[SideBuy])
	require.Equal(t, StatusCancelled, buy.Status)

	sell, _ := m.Get(ids[SideSell])
	require.Equal(t, StatusSubmitted, sell.Status)
}

func TestFillProtection_BelowTriggerDoesNothing(t *testing.T) {
	fp, m, _, now, ids := protectionRig(t)

	base := *now
	fp.OnLeadPush(context.Background(), "BTC-USD", 94000, base)
	// +1.1 bps: below the 3 bps trigger.
	fp.OnLeadPush(context.Background(), "BTC-USD", 94010, base.Add(300*time.Millisecond))

	for _, id := range ids {
		order, _ := m.Get(id)
		require.Equal(t, StatusSubmitted, order.Status)
	}

	triggers, _ := fp.Stats()
	require.Zero(t, triggers)
}

func TestFillProtection_CooldownSuppressesRetrigger(t *testing.T) {
	fp, _, _, now, _ := protectionRig(t)

	base := *now
	fp.OnLeadPush(context.Background(), "BTC-USD", 94000, base)
	fp.OnLeadPush(context.Background(), "BTC-USD", 94040, base.Add(100*time.Millisecond))

	triggers, _ := fp.Stats()
	require.Equal(t, 1, triggers)

	// Another sharp move inside the cooldown: ignored.
	fp.OnLeadPush(context.Background(), "BTC-USD", 94090, base.Add(300*time.Millisecond))
	triggers, _ = fp.Stats()
	require.Equal(t, 1, triggers)

	// After the cooldown a new move triggers again.
	fp.OnLeadPush(context.Background(), "BTC-USD", 94090, base.Add(700*time.Millisecond))
	fp.OnLeadPush(context.Background(), "BTC-USD", 94140, base.Add(900*time.Millisecond))
	triggers, _ = fp.Stats()
	require.Equal(t, 2, triggers)
}

func TestFillProtection_MinimumDwellSkipsYoungQuotes(t *testing.T) {
	venue := newFakeVenue()
	m, now := testManager(venue)

	id, err := m.Place(context.Background(), "BTC-USD", SideSell, 1, 0.0001, 94056.4, btcSpec)
	require.NoError(t, err)

	// Past the 0.7s lock but short of the 2.5s accrual dwell: the quote is
	// cancellable in principle, yet protection leaves it to finish earning.
	*now = now.Add(1500 * time.Millisecond)

	fp := NewFillProtection(testProtectionConfig(), m, event.NewBus(16))

	base := *now
	fp.OnLeadPush(context.Background(), "BTC-USD", 94000, base)
	fp.OnLeadPush(context.Background(), "BTC-USD", 94040, base.Add(100*time.Millisecond))

	order, _ := m.Get(id)
	require.Equal(t, StatusSubmitted, order.Status,
		"quotes below the minimum dwell are never protectively cancelled")

	triggers, cancelled := fp.Stats()
	require.Equal(t, 1, triggers, "the trigger itself still fires")
	require.Zero(t, cancelled)
}

func TestFillProtection_RespectsLocks(t *testing.T) {
	venue := newFakeVenue()
	m, now := testManager(venue)

	id, err := m.Place(context.Background(), "BTC-USD", SideSell, 1, 0.0001, 94056.4, btcSpec)
	require.NoError(t, err)

	// Past the dwell threshold yet inside a long lock.
	cfg := testProtectionConfig()
	cfg.SmartThresholdSeconds = 0.1
	*now = now.Add(300 * time.Millisecond)

	fp := NewFillProtection(cfg, m, event.NewBus(16))

	base := *now
	fp.OnLeadPush(context.Background(), "BTC-USD", 94000, base)
	fp.OnLeadPush(context.Background(), "BTC-USD", 94040, base.Add(100*time.Millisecond))

	order, _ := m.Get(id)
	require.Equal(t, StatusSubmitted, order.Status,
		"a protective cancel never breaks the dwell lock")
}

func TestFillProtection_DisabledIsInert(t *testing.T) {
	fp, _, _, now, _ := protectionRig(t)
	fp.cfg.Lead.Enabled = false

	base := *now
	fp.OnLeadPush(context.Background(), "BTC-USD", 94000, base)
	fp.OnLeadPush(context.Background(), "BTC-USD", 94100, base.Add(100*time.Millisecond))

	triggers, _ := fp.Stats()
	require.Zero(t, triggers)
}
