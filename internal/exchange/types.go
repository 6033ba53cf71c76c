package exchange

import (
	"github.com/shopspring/decimal"
)

// Order sides and types on the wire.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"

	TifGTC      = "gtc"
	TifIOC      = "ioc"
	TifPostOnly = "post_only"
)

// PlaceOrderRequest is the payload for /api/new_order.
type PlaceOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"time_in_force"`
	ClOrdID     string `json:"cl_ord_id"`
	ReduceOnly  bool   `json:"reduce_only,omitempty"`
	MarginMode  string `json:"margin_mode,omitempty"`
	Leverage    int    `json:"leverage,omitempty"`
}

// PlaceOrderResponse is the venue acknowledgement of a new order.
type PlaceOrderResponse struct {
	OrderID string `json:"order_id"`
	ClOrdID string `json:"cl_ord_id"`
}

// OpenOrder is one entry of /api/query_open_orders.
type OpenOrder struct {
	OrderID string `json:"order_id"`
	ClOrdID string `json:"cl_ord_id"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Qty     string `json:"qty"`
	Status  string `json:"status"`
}

// OrderDetail is the response of /api/query_order.
type OrderDetail struct {
	OrderID   string `json:"order_id"`
	ClOrdID   string `json:"cl_ord_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Qty       string `json:"qty"`
	FilledQty string `json:"filled_qty"`
	Status    string `json:"status"` // "open", "filled", "cancelled"
}

// FilledQtyFloat parses the filled quantity, zero on absence.
func (d *OrderDetail) FilledQtyFloat() float64 {
	return parseFloat(d.FilledQty)
}

// SymbolPrice is the response of /api/query_symbol_price.
type SymbolPrice struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"mark_price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Ts        int64  `json:"ts"` // unix millis
}

// Mark returns the parsed mark price.
func (p *SymbolPrice) Mark() float64 { return parseFloat(p.MarkPrice) }

// Bid returns the parsed best bid.
func (p *SymbolPrice) Bid() float64 { return parseFloat(p.BestBid) }

// Ask returns the parsed best ask.
func (p *SymbolPrice) Ask() float64 { return parseFloat(p.BestAsk) }

// Position is one entry of /api/query_positions.
type Position struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "long" or "short"
	Qty           string `json:"qty"`
	EntryPrice    string `json:"entry_price"`
	MarkPrice     string `json:"mark_price"`
	UnrealizedPnl string `json:"unrealized_pnl"`
}

// QtyFloat parses the position size.
func (p *Position) QtyFloat() float64 { return parseFloat(p.Qty) }

// NotionalUSD is the absolute position exposure at mark.
func (p *Position) NotionalUSD() float64 {
	n := parseFloat(p.Qty) * parseFloat(p.MarkPrice)
	if n < 0 {
		return -n
	}
	return n
}

// Balance is the response of /api/query_balance.
type Balance struct {
	Total     string `json:"total"`
	Available string `json:"available"`
}

// AvailableFloat parses the free margin.
func (b *Balance) AvailableFloat() float64 { return parseFloat(b.Available) }

// parseFloat parses a wire decimal string, zero on garbage. Venue numbers
// arrive as strings; decimal keeps the parse exact before the one float
// conversion at the boundary.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// FormatPrice renders a price for the wire at the symbol's tick precision.
func FormatPrice(price float64, tick float64) string {
	d := decimal.NewFromFloat(price)
	exp := decimal.NewFromFloat(tick).Exponent()
	if exp > 0 {
		exp = 0
	}
	return d.StringFixed(-exp)
}

// FormatQty renders a quantity for the wire at the symbol's precision.
func FormatQty(qty float64, precision int) string {
	return decimal.NewFromFloat(qty).StringFixed(int32(precision))
}
