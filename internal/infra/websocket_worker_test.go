package infra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// priceStreamHandler mimics the venue price channel: subscribe on connect,
// count decoded mark frames.
type priceStreamHandler struct {
	url         string
	worker      *StreamWorker
	connects    atomic.Int32
	disconnects atomic.Int32
	marks       atomic.Int32
	lastMark    atomic.Int64 // price in tenths, for assertion convenience
}

func (h *priceStreamHandler) ID() string     { return "TEST_PRICE" }
func (h *priceStreamHandler) GetURL() string { return h.url }

func (h *priceStreamHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	h.connects.Add(1)
	sub := map[string]any{"subscribe": map[string]string{"channel": "price", "symbol": "BTC-USD"}}
	b, _ := json.Marshal(sub)
	return h.worker.Send(b)
}

func (h *priceStreamHandler) OnMessage(ctx context.Context, msg []byte) {
	var frame struct {
		Channel string `json:"channel"`
		Data    struct {
			MarkPrice float64 `json:"mark_price"`
		} `json:"data"`
	}
	if json.Unmarshal(msg, &frame) != nil || frame.Channel != "price" {
		return
	}
	h.marks.Add(1)
	h.lastMark.Store(int64(frame.Data.MarkPrice * 10))
}

func (h *priceStreamHandler) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return h.worker.Send([]byte("ping"))
}

func (h *priceStreamHandler) OnDisconnect(err error) {
	h.disconnects.Add(1)
}

// startStream wires a handler and worker against a test server URL.
func startStream(ctx context.Context, url string) *priceStreamHandler {
	h := &priceStreamHandler{url: url}
	h.worker = NewStreamWorker(h)
	h.worker.ReadTimeout = time.Second
	h.worker.Start(ctx)
	return h
}

func wsServer(t *testing.T, session func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		session(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return strings.Replace(server.URL, "http://", "ws://", 1)
}

func TestStreamWorker_SubscribesThenReceives(t *testing.T) {
	gotSubscribe := make(chan []byte, 1)

	server := wsServer(t, func(conn *websocket.Conn) {
		// The worker must subscribe before anything flows.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotSubscribe <- msg

		frame := `{"channel":"price","data":{"mark_price":94000.5}}`
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startStream(ctx, wsURL(server))
	defer h.worker.Stop()

	select {
	case msg := <-gotSubscribe:
		if !strings.Contains(string(msg), `"channel":"price"`) {
			t.Errorf("subscribe frame = %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no subscribe frame arrived")
	}

	deadline := time.Now().Add(time.Second)
	for h.marks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.marks.Load() == 0 {
		t.Fatal("price frame never decoded")
	}
	if h.lastMark.Load() != 940005 {
		t.Errorf("last mark = %d tenths, want 940005", h.lastMark.Load())
	}
}

func TestStreamWorker_ReconnectsImmediatelyAfterDrop(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		// Serve one frame so the session counts as delivered, then drop.
		conn.ReadMessage() // subscribe
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"price","data":{"mark_price":94000}}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startStream(ctx, wsURL(server))
	defer h.worker.Stop()

	// A delivered session resets the retry counter, so the second connect
	// comes with no backoff wait.
	deadline := time.Now().Add(2 * time.Second)
	for h.connects.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.connects.Load() < 2 {
		t.Fatalf("connects = %d, want a prompt reconnect", h.connects.Load())
	}
	if h.disconnects.Load() == 0 {
		t.Error("OnDisconnect never fired for the dropped session")
	}
}

func TestStreamWorker_TracksLastMessageTime(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // subscribe
		conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"price","data":{"mark_price":94000}}`))
		time.Sleep(300 * time.Millisecond)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startStream(ctx, wsURL(server))
	defer h.worker.Stop()

	if !h.worker.LastMessageAt().IsZero() {
		t.Error("LastMessageAt must be zero before any frame")
	}

	deadline := time.Now().Add(time.Second)
	for h.marks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	last := h.worker.LastMessageAt()
	if last.IsZero() {
		t.Fatal("LastMessageAt still zero after a frame")
	}
	if time.Since(last) > time.Second {
		t.Errorf("LastMessageAt = %v, too old", last)
	}
}

func TestStreamWorker_StopDoesNotHang(t *testing.T) {
	holdOpen := make(chan struct{})
	server := wsServer(t, func(conn *websocket.Conn) {
		<-holdOpen
	})
	defer close(holdOpen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startStream(ctx, wsURL(server))
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Stop did not return")
	}
}

func TestStreamWorker_SendWhileDisconnected(t *testing.T) {
	h := &priceStreamHandler{url: "ws://127.0.0.1:1"} // nothing listens
	h.worker = NewStreamWorker(h)

	if err := h.worker.Send([]byte("x")); err == nil {
		t.Error("expected an error writing to a dead stream")
	}
}
