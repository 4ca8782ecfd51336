package engine

import (
	"context"
	"errors"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/transport"
)

// StartPush opens the push connection. Every (re)connect binds each
// registered endpoint from its cursor and resumes endpoints a disconnect
// took offline; drops mark every endpoint disconnected. The connection lives
// until ctx ends or Close is called.
func (e *Engine) StartPush(ctx context.Context) error {
	if e.push == nil || e.pushURL == "" {
		return errors.New("engine: push is not configured")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.pushConn != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	h := transport.HandlerFuncs{
		Connect:    e.onPushConnect,
		Disconnect: e.onPushDisconnect,
		Message:    e.onPushMessage,
	}
	conn, err := e.push.Connect(ctx, e.pushURL, transport.PushOptions{Resource: e.pushResource}, h)
	if err != nil {
		e.OnDisconnect(endpoint.AllCause)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pushConn != nil {
		go conn.Close()
		return nil
	}
	e.pushConn = conn
	return nil
}

func (e *Engine) onPushConnect(ctx context.Context, conn transport.PushConn) {
	for _, ep := range e.registry.All() {
		if err := conn.Send(ctx, transport.BindFrame(ep.Entity, ep.Channel, ep.LastMessageTime())); err != nil {
			e.log.Warn("engine: bind failed", "entity", ep.Entity, "err", err)
			return
		}
	}
	if e.registry.DisconnectedBy() == "" {
		return
	}
	if err := e.Reconnect(ctx); err != nil {
		e.log.Warn("engine: resume after push connect", "err", err)
	}
}

func (e *Engine) onPushDisconnect(err error) {
	e.log.Debug("engine: push dropped", "err", err)
	e.OnDisconnect(endpoint.AllCause)
}

func (e *Engine) onPushMessage(ctx context.Context, channel string, payload []byte) {
	if err := e.rec.HandlePush(ctx, channel, payload); err != nil {
		e.log.Warn("engine: push message", "channel", channel, "err", err)
	}
}
