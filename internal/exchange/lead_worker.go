package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/londonpotato1/standx-maker-bot/internal/infra"
)

// LeadPushFunc receives one mark price update from the lead venue, keyed by
// the local symbol name.
type LeadPushFunc func(symbol string, mark float64, ts time.Time)

// LeadPriceWorker follows a faster venue's 1-second mark price stream. Its
// updates arrive ahead of the quoting venue and feed fill protection.
type LeadPriceWorker struct {
	base    *infra.StreamWorker
	url     string
	symbols []string // local symbol names, e.g. BTC-USD
	onPush  LeadPushFunc
}

// NewLeadPriceWorker factory.
func NewLeadPriceWorker(url string, symbols []string, onPush LeadPushFunc) *LeadPriceWorker {
	w := &LeadPriceWorker{
		url:     url,
		symbols: symbols,
		onPush:  onPush,
	}
	w.base = infra.NewStreamWorker(w)
	return w
}

func (w *LeadPriceWorker) ID() string     { return "LEAD_PRICE" }
func (w *LeadPriceWorker) GetURL() string { return w.url }

// Connect starts the reconnecting read loop.
func (w *LeadPriceWorker) Connect(ctx context.Context) error {
	w.base.Start(ctx)
	return nil
}

// Disconnect stops the worker.
func (w *LeadPriceWorker) Disconnect() {
	w.base.Stop()
}

// leadSymbol maps BTC-USD -> btcusdt for the lead venue's stream names.
func leadSymbol(symbol string) string {
	s := strings.ToLower(strings.ReplaceAll(symbol, "-", ""))
	return strings.Replace(s, "usd", "usdt", 1)
}

// localSymbol reverses leadSymbol: BTCUSDT -> BTC-USD.
func localSymbol(lead string) string {
	s := strings.ToUpper(lead)
	s = strings.TrimSuffix(s, "USDT")
	if s == "" {
		return ""
	}
	return s + "-USD"
}

type leadSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (w *LeadPriceWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	streams := make([]string, 0, len(w.symbols))
	for _, symbol := range w.symbols {
		streams = append(streams, leadSymbol(symbol)+"@markPrice@1s")
	}
	msg := leadSubscribe{Method: "SUBSCRIBE", Params: streams, ID: 1}
	b, _ := json.Marshal(msg)
	return w.base.Send(b)
}

type leadMarkPrice struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"` // unix millis
}

func (w *LeadPriceWorker) OnMessage(ctx context.Context, msg []byte) {
	var data leadMarkPrice
	if err := json.Unmarshal(msg, &data); err != nil {
		return
	}
	if data.EventType != "markPriceUpdate" || data.Symbol == "" {
		return
	}

	symbol := localSymbol(data.Symbol)
	if symbol == "" {
		return
	}

	w.onPush(symbol, parseFloat(data.MarkPrice), time.UnixMilli(data.EventTime))
}

func (w *LeadPriceWorker) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (w *LeadPriceWorker) OnDisconnect(err error) {
	// Losing the lead feed only disarms fill protection; quoting itself is
	// unaffected, so a warning is enough.
	slog.Warn("lead venue stream dropped", slog.Any("error", err))
}
