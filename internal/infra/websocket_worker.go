package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	userAgent        = "makerbot/1.0 (+https://github.com/londonpotato1/standx-maker-bot)"
	handshakeTimeout = 10 * time.Second
)

// StreamHandler supplies the venue-specific half of a price stream:
// where to connect, what to subscribe, and how to decode frames.
type StreamHandler interface {
	ID() string
	GetURL() string
	// OnConnect runs once per session, before the read loop; subscriptions
	// go here so a reconnect re-subscribes automatically.
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msg []byte)
	OnPing(ctx context.Context, conn *websocket.Conn) error
	// OnDisconnect runs after a session dies, before the reconnect wait.
	OnDisconnect(err error)
}

// StreamWorker drives one push stream: dial, subscribe, read until the
// session dies, reconnect. The first reconnect attempt is immediate
// (a quoting engine without prices is blind); the retry counter only
// resets once a session has delivered at least one frame, so a gateway
// that accepts connections and instantly drops them still backs off.
type StreamWorker struct {
	handler StreamHandler

	connMu  sync.Mutex // guards conn pointer swaps and writes together
	conn    *websocket.Conn
	cancel  context.CancelFunc
	stopped sync.WaitGroup

	lastMsgUnixNano atomic.Int64

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// NewStreamWorker creates a worker for the handler's stream.
func NewStreamWorker(handler StreamHandler) *StreamWorker {
	return &StreamWorker{
		handler:      handler,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Start launches the connect/read loop.
func (w *StreamWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.stopped.Add(1)
	go w.runLoop(ctx)
}

// Stop tears the worker down and waits for the loop to exit.
func (w *StreamWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.dropConn()
	w.stopped.Wait()
}

// LastMessageAt returns when the stream last delivered a frame, zero if
// it never has. The staleness watchdog reads this.
func (w *StreamWorker) LastMessageAt() time.Time {
	ns := w.lastMsgUnixNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (w *StreamWorker) runLoop(ctx context.Context) {
	defer w.stopped.Done()

	for retry := 0; ; {
		if delay := ReconnectDelay(retry); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return
		}

		delivered, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}

		w.handler.OnDisconnect(err)
		if delivered {
			retry = 0
		} else {
			retry++
		}
		slog.Warn("stream session ended",
			"id", w.handler.ID(),
			"err", err,
			"retry", retry)
	}
}

// session dials, subscribes, and reads until the connection dies.
// Reports whether at least one frame arrived.
func (w *StreamWorker) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"User-Agent": []string{userAgent}}

	conn, _, err := dialer.DialContext(ctx, w.handler.GetURL(), header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	defer w.dropConn()

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()
	go w.keepAlive(sessionCtx, conn)

	slog.Info("stream connected", "id", w.handler.ID())

	delivered := false
	for {
		conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}

		delivered = true
		w.lastMsgUnixNano.Store(time.Now().UnixNano())
		w.handler.OnMessage(ctx, msg)
	}
}

// keepAlive pings on the handler's schedule; a failed ping kills the
// session so the read loop notices promptly instead of waiting out the
// read deadline.
func (w *StreamWorker) keepAlive(ctx context.Context, conn *websocket.Conn) {
	if w.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.handler.OnPing(ctx, conn); err != nil {
				slog.Warn("stream ping failed", "id", w.handler.ID(), "err", err)
				w.dropConn()
				return
			}
		}
	}
}

// Send writes one text frame, serializing concurrent senders.
func (w *StreamWorker) Send(data []byte) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// dropConn closes the current connection, if any, which unblocks the
// session's read loop.
func (w *StreamWorker) dropConn() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
