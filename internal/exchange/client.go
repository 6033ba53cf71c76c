package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/londonpotato1/standx-maker-bot/internal/infra"
)

const (
	defaultRequestTimeout   = 5 * time.Second
	breakerFailureThreshold = 5
)

// Client is the venue REST client. Every call draws from the key's shared
// rate budget, passes the transport breaker, is signed, and carries the
// default timeout.
type Client struct {
	http    *resty.Client
	signer  *Signer
	limiter *infra.Limiter
	breaker *Breaker
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string, signer *Signer) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultRequestTimeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		signer:  signer,
		limiter: infra.NewVenueLimiter(),
		breaker: NewBreaker(breakerFailureThreshold),
	}
}

// apiEnvelope is the venue's uniform response wrapper.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) request(ctx context.Context, class infra.RequestClass, method, path string, body any, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx, class); err != nil {
		return &APIError{Kind: KindNetwork, Err: err}
	}

	if err := c.signer.EnsureSession(ctx); err != nil {
		c.breaker.Record(&APIError{Kind: KindNetwork, Err: err})
		return err
	}

	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyStr = string(b)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.Headers(method, path, bodyStr))
	if body != nil {
		req.SetBody(bodyStr)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		var apiErr *APIError
		if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
			apiErr = &APIError{Kind: KindTimeout, Err: err}
		} else {
			apiErr = &APIError{Kind: KindNetwork, Err: err}
		}
		c.breaker.Record(apiErr)
		return apiErr
	}

	var verdict *APIError
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		verdict = &APIError{Kind: KindNotFound, StatusCode: resp.StatusCode()}
	case resp.StatusCode() >= 500:
		verdict = &APIError{Kind: KindNetwork, StatusCode: resp.StatusCode(), Message: resp.String()}
	case resp.StatusCode() >= 400:
		verdict = &APIError{Kind: KindRejected, StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	// The breaker judges by the taxonomy: a 404 or rejection proves the
	// transport is up; only 5xx counts as an outage.
	if verdict != nil {
		c.breaker.Record(verdict)
		return verdict
	}
	c.breaker.Record(nil)

	var envelope apiEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Code != 0 {
		return &APIError{Kind: KindRejected, Message: envelope.Message}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	return nil
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	return errors.As(err, &te) && te.Timeout()
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	var out PlaceOrderResponse
	if err := c.request(ctx, infra.ClassOrder, http.MethodPost, "/api/new_order", req, &out); err != nil {
		return nil, err
	}
	slog.Debug("order submitted",
		slog.String("symbol", req.Symbol),
		slog.String("cl_ord_id", req.ClOrdID),
		slog.String("order_id", out.OrderID))
	return &out, nil
}

// CancelOrder cancels by client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clOrdID string) error {
	body := map[string]string{"symbol": symbol, "cl_ord_id": clOrdID}
	return c.request(ctx, infra.ClassOrder, http.MethodPost, "/api/cancel_order", body, nil)
}

// ListOpenOrders returns the venue's resting orders for a symbol.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var out []OpenOrder
	path := "/api/query_open_orders?symbol=" + symbol
	if err := c.request(ctx, infra.ClassOrder, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrder fetches one order by client order id. Returns a KindNotFound
// error while the venue has not indexed the order yet.
func (c *Client) GetOrder(ctx context.Context, symbol, clOrdID string) (*OrderDetail, error) {
	var out OrderDetail
	path := "/api/query_order?symbol=" + symbol + "&cl_ord_id=" + clOrdID
	if err := c.request(ctx, infra.ClassOrder, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuerySymbolPrice is the pull fallback for the price stream.
func (c *Client) QuerySymbolPrice(ctx context.Context, symbol string) (*SymbolPrice, error) {
	var out SymbolPrice
	path := "/api/query_symbol_price?symbol=" + symbol
	if err := c.request(ctx, infra.ClassMarket, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPosition returns the current position for a symbol, nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var out []Position
	path := "/api/query_positions?symbol=" + symbol
	if err := c.request(ctx, infra.ClassAccount, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Symbol == symbol && out[i].QtyFloat() != 0 {
			return &out[i], nil
		}
	}
	return nil, nil
}

// GetBalance returns the account margin balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.request(ctx, infra.ClassAccount, http.MethodGet, "/api/query_balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
