package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const sessionTTL = 24 * time.Hour

// UseVenueHandshake wires the signer to the venue's sign-in flow:
// prepare-signin yields a challenge, the wallet key signs it, login trades
// the signature for a session token.
func (s *Signer) UseVenueHandshake(baseURL string) {
	web := resty.New().SetBaseURL(baseURL).SetTimeout(defaultRequestTimeout)

	s.SetHandshake(func(ctx context.Context, address string) (string, time.Time, error) {
		var prepare struct {
			SignedData string `json:"signedData"`
			Message    string `json:"message"`
		}
		resp, err := web.R().
			SetContext(ctx).
			SetBody(map[string]string{"address": address}).
			SetResult(&prepare).
			Post("/v1/offchain/prepare-signin")
		if err != nil {
			return "", time.Time{}, fmt.Errorf("prepare-signin: %w", err)
		}
		if resp.StatusCode() >= 400 {
			return "", time.Time{}, fmt.Errorf("prepare-signin: status %d", resp.StatusCode())
		}
		if prepare.Message == "" && prepare.SignedData == "" {
			return "", time.Time{}, fmt.Errorf("prepare-signin: empty challenge")
		}

		signature := s.computeHmacSha256(prepare.Message + prepare.SignedData)

		var login struct {
			Token string `json:"token"`
		}
		resp, err = web.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"signedData": prepare.SignedData,
				"signature":  signature,
			}).
			SetResult(&login).
			Post("/v1/offchain/login")
		if err != nil {
			return "", time.Time{}, fmt.Errorf("login: %w", err)
		}
		if resp.StatusCode() >= 400 || login.Token == "" {
			return "", time.Time{}, fmt.Errorf("login: status %d", resp.StatusCode())
		}

		return login.Token, time.Now().Add(sessionTTL), nil
	})
}
