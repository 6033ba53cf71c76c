package exchange

import (
	"context"
	"testing"
	"time"
)

func TestSigner_Headers(t *testing.T) {
	signer := NewSigner("0xabc", "secret")

	headers := signer.Headers("POST", "/api/new_order", `{"symbol":"BTC-USD"}`)

	if headers["X-Wallet-Address"] != "0xabc" {
		t.Errorf("wallet address header = %q", headers["X-Wallet-Address"])
	}
	if headers["X-Signature"] == "" {
		t.Error("signature header missing")
	}
	if headers["X-Timestamp"] == "" {
		t.Error("timestamp header missing")
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("content type = %q", headers["Content-Type"])
	}
	// No session yet: no bearer token.
	if _, ok := headers["Authorization"]; ok {
		t.Error("unexpected Authorization header before session")
	}
}

func TestSigner_EnsureSession(t *testing.T) {
	signer := NewSigner("0xabc", "secret")

	calls := 0
	signer.SetHandshake(func(ctx context.Context, address string) (string, time.Time, error) {
		calls++
		if address != "0xabc" {
			t.Errorf("handshake address = %q", address)
		}
		return "token-1", time.Now().Add(time.Hour), nil
	})

	if err := signer.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("handshake calls = %d, want 1", calls)
	}

	// A valid token short-circuits the next call.
	if err := signer.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("handshake calls = %d, token should be reused", calls)
	}

	headers := signer.Headers("GET", "/api/query_balance", "")
	if headers["Authorization"] != "Bearer token-1" {
		t.Errorf("authorization = %q", headers["Authorization"])
	}
}

func TestSigner_RefreshesExpiringSession(t *testing.T) {
	signer := NewSigner("0xabc", "secret")

	calls := 0
	signer.SetHandshake(func(ctx context.Context, address string) (string, time.Time, error) {
		calls++
		// Expires almost immediately: the next EnsureSession must refresh.
		return "token", time.Now().Add(10 * time.Second), nil
	})

	signer.EnsureSession(context.Background())
	signer.EnsureSession(context.Background())

	if calls != 2 {
		t.Errorf("handshake calls = %d, expiring token must refresh", calls)
	}
}

func TestSigner_NoHandshakeConfigured(t *testing.T) {
	signer := NewSigner("0xabc", "secret")
	if err := signer.EnsureSession(context.Background()); err == nil {
		t.Error("expected error without a handshake")
	}
}

func TestSigner_Wipe(t *testing.T) {
	signer := NewSigner("0xabc", "secret")
	signer.Wipe()

	headers := signer.Headers("GET", "/x", "")
	for _, b := range []byte(headers["X-Wallet-Address"]) {
		if b != 0 {
			t.Fatal("address not wiped")
		}
	}
}
