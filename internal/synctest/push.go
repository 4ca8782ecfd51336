package synctest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PushURL is the base URL push clients dial; the resource is "/push".
func (s *Server) PushURL() string { return s.srv.URL }

// PushConnections returns how many push connections are open.
func (s *Server) PushConnections() int {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return len(s.hub.clients)
}

// WaitBound blocks until some connection has bound channel or the timeout
// passes.
func (s *Server) WaitBound(channel string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.hub.bound(channel) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type pushClient struct {
	conn *websocket.Conn

	wmu sync.Mutex

	mu       sync.Mutex
	channels map[string]string // entity -> channel
}

func (c *pushClient) write(f transport.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(f)
}

func (c *pushClient) channelFor(entity string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[entity]
	return ch, ok
}

type hub struct {
	mu      sync.Mutex
	clients map[*pushClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*pushClient]struct{})}
}

func (h *hub) add(c *pushClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *pushClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) snapshot() []*pushClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*pushClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) bound(channel string) bool {
	for _, c := range h.snapshot() {
		c.mu.Lock()
		for _, ch := range c.channels {
			if ch == channel {
				c.mu.Unlock()
				return true
			}
		}
		c.mu.Unlock()
	}
	return false
}

// publish sends msg to every connection bound to its entity.
func (h *hub) publish(msg message.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("synctest: marshal push message", "err", err)
		return
	}
	for _, c := range h.snapshot() {
		ch, ok := c.channelFor(msg.Entity)
		if !ok {
			continue
		}
		f := transport.Frame{Type: transport.FrameMessage, Entity: msg.Entity, Channel: ch, Time: msg.Time, Data: data}
		if err := c.write(f); err != nil {
			c.conn.Close()
		}
	}
}

func (h *hub) closeAll() {
	for _, c := range h.snapshot() {
		c.conn.Close()
		h.remove(c)
	}
}

// handlePush serves the push protocol: a bind frame is answered with bound
// followed by every change after the frame's time; later changes to the
// entity are streamed as they happen.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &pushClient{conn: conn, channels: make(map[string]string)}
	s.hub.add(c)
	defer func() {
		s.hub.remove(c)
		conn.Close()
	}()

	for {
		var f transport.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != transport.FrameBind {
			c.write(transport.Frame{Type: transport.FrameError, Channel: f.Channel, Error: "unknown frame type " + f.Type})
			continue
		}
		if f.Entity == "" || f.Channel == "" {
			c.write(transport.Frame{Type: transport.FrameError, Channel: f.Channel, Error: "bind needs entity and channel"})
			continue
		}

		// Replay and registration happen under the server lock so no change
		// slips between them.
		s.mu.Lock()
		var backlog []message.Message
		for _, m := range s.changes {
			if m.Entity == f.Entity && m.Time > f.Time {
				backlog = append(backlog, m.Clone())
			}
		}
		c.mu.Lock()
		c.channels[f.Entity] = f.Channel
		c.mu.Unlock()
		err := c.write(transport.Frame{Type: transport.FrameBound, Entity: f.Entity, Channel: f.Channel})
		for _, m := range backlog {
			if err != nil {
				break
			}
			data, _ := json.Marshal(m)
			err = c.write(transport.Frame{Type: transport.FrameMessage, Entity: m.Entity, Channel: f.Channel, Time: m.Time, Data: data})
		}
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}
