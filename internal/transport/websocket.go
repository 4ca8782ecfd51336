package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPushClosed is returned by Send after Close or while reconnecting.
var ErrPushClosed = errors.New("push connection closed")

// Backoff controls reconnect delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the relative randomness added to each delay, 0..1.
	Jitter float64
}

// DefaultBackoff returns reconnect delays from 500ms up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1}
}

func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	return min(d, b.Max)
}

func (b Backoff) jitter(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	delta := float64(d) * b.Jitter * (rand.Float64()*2 - 1)
	return d + time.Duration(delta)
}

// WebSocket is the Push implementation over gorilla/websocket. A connection
// reconnects with backoff until its context ends or it is closed.
type WebSocket struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	Backoff      Backoff
	PingInterval time.Duration
	Log          *slog.Logger
}

// NewWebSocket creates a push client that authenticates like the HTTP remote.
func NewWebSocket(apiKey, deviceID string) *WebSocket {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	if deviceID != "" {
		h.Set("X-Device-ID", deviceID)
	}
	return &WebSocket{
		Dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Header:       h,
		Backoff:      DefaultBackoff(),
		PingInterval: 30 * time.Second,
		Log:          slog.Default(),
	}
}

// Connect dials the push server. The initial dial error is returned as a
// connectivity Rejection; later drops are reported to h and redialled.
func (w *WebSocket) Connect(ctx context.Context, base string, opts PushOptions, h PushHandler) (PushConn, error) {
	target, err := pushURL(base, opts)
	if err != nil {
		return nil, fmt.Errorf("push url: %w", err)
	}
	conn, err := w.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		ws:     w,
		url:    target,
		h:      h,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.setConn(conn)
	go c.run(conn)
	return c, nil
}

func (w *WebSocket) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, w.Header)
	if err != nil {
		rej := &Rejection{Method: "GET", URL: target, Err: err}
		// A handshake the server answered with an auth status is a rejection,
		// not an outage.
		if resp != nil && resp.StatusCode >= 400 {
			rej.Status = resp.StatusCode
		}
		return nil, rej
	}
	return conn, nil
}

func (w *WebSocket) logger() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}

type wsConn struct {
	ws     *WebSocket
	url    string
	h      PushHandler
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

func (c *wsConn) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Send writes one frame. gorilla allows a single concurrent writer.
func (c *wsConn) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrPushClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Rejection{Method: "SEND", URL: c.url, Err: err}
	}
	return nil
}

// Close stops reconnecting and closes the socket.
func (c *wsConn) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

func (c *wsConn) run(conn *websocket.Conn) {
	defer close(c.done)
	log := c.ws.logger()
	for {
		c.h.OnConnect(c.ctx, c)
		err := c.serve(conn)
		c.setConn(nil)
		conn.Close()
		if c.ctx.Err() != nil {
			return
		}
		log.Info("push: disconnected", "url", c.url, "err", err)
		c.h.OnDisconnect(&Rejection{Method: "GET", URL: c.url, Err: err})

		conn = c.redial()
		if conn == nil {
			return
		}
		c.setConn(conn)
		log.Info("push: reconnected", "url", c.url)
	}
}

// serve reads frames until the connection fails.
func (c *wsConn) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	if iv := c.ws.PingInterval; iv > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * iv))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * iv))
		})
		go c.ping(conn, iv, stop)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.ws.logger().Warn("push: bad frame", "err", err)
			continue
		}
		switch f.Type {
		case FrameMessage:
			c.h.OnMessage(c.ctx, f.Channel, f.Data)
		case FrameError:
			c.ws.logger().Warn("push: server error", "channel", f.Channel, "error", f.Error)
		case FrameBound:
			c.ws.logger().Debug("push: bound", "channel", f.Channel)
		}
	}
}

func (c *wsConn) ping(conn *websocket.Conn, iv time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(iv)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(iv))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// redial retries with backoff until it connects or the context ends.
func (c *wsConn) redial() *websocket.Conn {
	b := c.ws.Backoff
	if b.Initial <= 0 {
		b = DefaultBackoff()
	}
	delay := b.Initial
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(b.jitter(delay)):
		}
		conn, err := c.ws.dial(c.ctx, c.url)
		if err == nil {
			return conn
		}
		c.ws.logger().Debug("push: redial failed", "url", c.url, "err", err, "retry_in", delay)
		delay = b.next(delay)
	}
}
