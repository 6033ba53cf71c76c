package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/londonpotato1/standx-maker-bot/internal/infra"
)

// PushFunc receives one decoded price update from a stream worker.
type PushFunc func(symbol string, mark, bid, ask float64, ts time.Time)

// PriceWorker subscribes to the venue's price channel and forwards updates.
type PriceWorker struct {
	base    *infra.StreamWorker
	url     string
	symbols []string
	onPush  PushFunc
}

// NewPriceWorker factory.
func NewPriceWorker(url string, symbols []string, onPush PushFunc) *PriceWorker {
	w := &PriceWorker{
		url:     url,
		symbols: symbols,
		onPush:  onPush,
	}
	w.base = infra.NewStreamWorker(w)
	return w
}

func (w *PriceWorker) ID() string     { return "VENUE_PRICE" }
func (w *PriceWorker) GetURL() string { return w.url }

// Connect starts the reconnecting read loop.
func (w *PriceWorker) Connect(ctx context.Context) error {
	w.base.Start(ctx)
	return nil
}

// Disconnect stops the worker.
func (w *PriceWorker) Disconnect() {
	w.base.Stop()
}

type subscribeMessage struct {
	Subscribe subscribeBody `json:"subscribe"`
}

type subscribeBody struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

func (w *PriceWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	for _, symbol := range w.symbols {
		msg := subscribeMessage{Subscribe: subscribeBody{Channel: "price", Symbol: symbol}}
		b, _ := json.Marshal(msg)
		if err := w.base.Send(b); err != nil {
			return err
		}
	}
	return nil
}

type priceMessage struct {
	Channel string    `json:"channel"`
	Data    priceData `json:"data"`
}

type priceData struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"mark_price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Ts        int64  `json:"ts"` // unix millis
}

func (w *PriceWorker) OnMessage(ctx context.Context, msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var resp priceMessage
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}
	if resp.Channel != "price" || resp.Data.Symbol == "" {
		return
	}

	d := resp.Data
	ts := time.UnixMilli(d.Ts)
	if d.Ts == 0 {
		ts = time.Now()
	}

	w.onPush(d.Symbol, parseFloat(d.MarkPrice), parseFloat(d.BestBid), parseFloat(d.BestAsk), ts)
}

func (w *PriceWorker) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return w.base.Send([]byte("ping"))
}

func (w *PriceWorker) OnDisconnect(err error) {
	// Consumers keep serving the last snapshot; the staleness watchdog
	// takes over if the reconnect loop cannot restore the feed in time.
	slog.Warn("price stream dropped", slog.Any("error", err))
}
