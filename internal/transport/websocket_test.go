package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushServer echoes every bind frame back as a message frame on the bound
// channel, then drops the first connection so clients have to reconnect.
func pushServer(t *testing.T, conns *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(conns, 1)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) != nil || f.Type != FrameBind {
				continue
			}
			msg, _ := json.Marshal(map[string]any{"id": "a", "method": "update", "data": map[string]any{"id": "a"}, "time": f.Time + 1})
			out, _ := json.Marshal(Frame{Type: FrameMessage, Channel: f.Channel, Data: msg})
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
			if n == 1 {
				return
			}
		}
	}))
}

func TestWebSocketBindAndReconnect(t *testing.T) {
	var conns int32
	srv := pushServer(t, &conns)
	defer srv.Close()

	ws := NewWebSocket("k", "d")
	ws.Backoff = Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}

	connected := make(chan struct{}, 4)
	messages := make(chan string, 4)
	var disconnects int32
	h := HandlerFuncs{
		Connect: func(ctx context.Context, c PushConn) {
			if err := c.Send(ctx, BindFrame("todos", "ch-1", 5)); err != nil {
				t.Errorf("send bind: %v", err)
			}
			connected <- struct{}{}
		},
		Disconnect: func(err error) {
			if !IsConnectivity(err) {
				t.Errorf("disconnect should be a connectivity rejection: %v", err)
			}
			atomic.AddInt32(&disconnects, 1)
		},
		Message: func(ctx context.Context, channel string, payload []byte) {
			messages <- channel
		},
	}

	conn, err := ws.Connect(context.Background(), srv.URL, PushOptions{}, h)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatalf("connect #%d not observed", i+1)
		}
		select {
		case ch := <-messages:
			if ch != "ch-1" {
				t.Errorf("channel: got %s, want ch-1", ch)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("message #%d not received", i+1)
		}
	}
	if atomic.LoadInt32(&disconnects) < 1 {
		t.Error("expected a disconnect before the reconnect")
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewWebSocket("", "").Connect(context.Background(), srv.URL, PushOptions{}, HandlerFuncs{})
	if !IsConnectivity(err) {
		t.Errorf("got %v, want connectivity rejection", err)
	}
}
