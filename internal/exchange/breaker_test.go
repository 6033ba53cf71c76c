package exchange

import (
	"testing"
	"time"
)

func testBreaker(threshold int) (*Breaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	b := NewBreaker(threshold)
	b.SetNow(func() time.Time { return now })
	return b, &now
}

func TestBreaker_TransportFailuresOpen(t *testing.T) {
	b, _ := testBreaker(3)

	b.Record(&APIError{Kind: KindNetwork})
	b.Record(&APIError{Kind: KindTimeout})
	if b.State() != BreakerClosed {
		t.Error("two failures must not open the breaker yet")
	}

	b.Record(&APIError{Kind: KindNetwork})
	if b.State() != BreakerOpen {
		t.Errorf("expected OPEN after 3 transport failures, got %s", b.State())
	}
	if err := b.Allow(); !isNetworkErr(err) {
		t.Errorf("open breaker must fail fast with a network error, got %v", err)
	}
}

func TestBreaker_VenueVerdictsNeverTrip(t *testing.T) {
	b, _ := testBreaker(2)

	// A 404 on a fresh order and a rejected placement are answers from the
	// venue; the transport is demonstrably up.
	for i := 0; i < 10; i++ {
		b.Record(&APIError{Kind: KindNotFound})
		b.Record(&APIError{Kind: KindRejected, Message: "bad precision"})
	}

	if b.State() != BreakerClosed {
		t.Errorf("venue verdicts tripped the breaker: %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() = %v, want nil", err)
	}
}

func TestBreaker_VerdictResetsFailureStreak(t *testing.T) {
	b, _ := testBreaker(3)

	b.Record(&APIError{Kind: KindNetwork})
	b.Record(&APIError{Kind: KindNetwork})
	b.Record(&APIError{Kind: KindNotFound}) // venue answered: streak broken
	b.Record(&APIError{Kind: KindNetwork})
	b.Record(&APIError{Kind: KindNetwork})

	if b.State() != BreakerClosed {
		t.Error("an interleaved venue verdict must reset the failure count")
	}
}

func TestBreaker_SingleProbeAfterHold(t *testing.T) {
	b, now := testBreaker(1)

	b.Record(&APIError{Kind: KindTimeout})
	if b.State() != BreakerOpen {
		t.Fatal("expected OPEN")
	}

	// Inside the hold: still failing fast.
	*now = now.Add(4 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("expected rejection inside the hold")
	}

	// Past the hold: exactly one caller gets through as the probe.
	*now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("expected the probe to be admitted, got %v", err)
	}
	if b.State() != BreakerProbing {
		t.Errorf("state = %s, want PROBING", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Error("a second caller must not ride along with the probe")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, now := testBreaker(1)

	b.Record(&APIError{Kind: KindNetwork})
	*now = now.Add(6 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}

	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want CLOSED after a successful probe", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() = %v after recovery", err)
	}
}

func TestBreaker_ProbeFailureDoublesHold(t *testing.T) {
	b, now := testBreaker(1)

	// First trip: 5s hold.
	b.Record(&APIError{Kind: KindNetwork})
	*now = now.Add(6 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}

	// Probe fails: second trip, hold doubles to 10s.
	b.Record(&APIError{Kind: KindTimeout})
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN after failed probe", b.State())
	}

	*now = now.Add(6 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("6s into a 10s hold must still reject")
	}
	*now = now.Add(5 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("11s into a 10s hold must admit the probe, got %v", err)
	}
}
