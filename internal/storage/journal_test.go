package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/event"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")

	j, err := NewJournal(path)
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_AppendAndLoad(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()

	ev1 := event.Event{
		Type: event.TypeOrderPlaced, Symbol: "BTC-USD", Side: "BUY", Slot: 1,
		Price: 93943.6, Qty: 0.0001, ClientID: "maker_x", Ts: base,
	}
	ev2 := event.Event{
		Type: event.TypeRebalance, Symbol: "BTC-USD", Price: 94150,
		Reason: "drift", Ts: base.Add(time.Second),
	}

	if err := j.Append(ctx, ev1); err != nil {
		t.Fatalf("Failed to append ev1: %v", err)
	}
	if err := j.Append(ctx, ev2); err != nil {
		t.Fatalf("Failed to append ev2: %v", err)
	}

	events, err := j.LoadBySymbol(ctx, "BTC-USD")
	if err != nil {
		t.Fatalf("Failed to load events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if events[0].Type != event.TypeOrderPlaced {
		t.Errorf("expected order_placed first, got %s", events[0].Type)
	}
	if events[0].Price != 93943.6 {
		t.Errorf("price = %v, want 93943.6", events[0].Price)
	}
	if events[1].Reason != "drift" {
		t.Errorf("reason = %q, want drift", events[1].Reason)
	}
}

func TestJournal_LoadFiltersBySymbol(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	j.Append(ctx, event.Event{Type: event.TypeOrderPlaced, Symbol: "BTC-USD", Ts: base})
	j.Append(ctx, event.Event{Type: event.TypeOrderPlaced, Symbol: "ETH-USD", Ts: base})

	events, err := j.LoadBySymbol(ctx, "ETH-USD")
	if err != nil {
		t.Fatalf("Failed to load events: %v", err)
	}
	if len(events) != 1 || events[0].Symbol != "ETH-USD" {
		t.Errorf("expected one ETH-USD event, got %v", events)
	}
}

func TestJournal_Count(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	n, err := j.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("empty journal count = %d", n)
	}

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 5; i++ {
		j.Append(ctx, event.Event{
			Type: event.TypeOrderPlaced, Symbol: "BTC-USD",
			Ts: base.Add(time.Duration(i) * time.Second),
		})
	}

	n, err = j.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}
