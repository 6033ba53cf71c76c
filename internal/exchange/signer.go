package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Signer produces the attested header set for venue requests and keeps the
// session token fresh. Credentials are stored as []byte so they can be
// wiped from memory.
type Signer struct {
	address    []byte
	privateKey []byte

	mu           sync.Mutex
	sessionToken string
	tokenExpiry  time.Time

	// handshake establishes a session and returns (token, expiry). Wired to
	// the venue's sign-in flow in production; tests inject a stub.
	handshake func(ctx context.Context, address string) (string, time.Time, error)
}

// NewSigner creates a signer from wallet credentials.
func NewSigner(address, privateKey string) *Signer {
	return &Signer{
		address:    []byte(address),
		privateKey: []byte(privateKey),
	}
}

// SetHandshake installs the session establishment routine.
func (s *Signer) SetHandshake(fn func(ctx context.Context, address string) (string, time.Time, error)) {
	s.handshake = fn
}

// Wipe clears the credentials from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipeSlice(s.address)
	wipeSlice(s.privateKey)
}

func wipeSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EnsureSession performs the sign-in handshake if the current token is
// missing or about to expire.
func (s *Signer) EnsureSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionToken != "" && time.Until(s.tokenExpiry) > time.Minute {
		return nil
	}
	if s.handshake == nil {
		return fmt.Errorf("signer: no handshake configured")
	}

	token, expiry, err := s.handshake(ctx, string(s.address))
	if err != nil {
		return fmt.Errorf("session handshake failed: %w", err)
	}

	s.sessionToken = token
	s.tokenExpiry = expiry
	return nil
}

// Headers returns the signature header set for one request.
// Pre-signature string: timestamp + method + path + body.
func (s *Signer) Headers(method, path, body string) map[string]string {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())

	payload := timestamp + method + path + body
	signature := s.computeHmacSha256(payload)

	s.mu.Lock()
	token := s.sessionToken
	s.mu.Unlock()

	headers := map[string]string{
		"X-Wallet-Address": string(s.address),
		"X-Signature":      signature,
		"X-Timestamp":      timestamp,
		"Content-Type":     "application/json",
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

func (s *Signer) computeHmacSha256(payload string) string {
	mac := hmac.New(sha256.New, s.privateKey)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
