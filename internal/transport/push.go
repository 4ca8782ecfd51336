package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

// Frame types exchanged over a push connection.
const (
	FrameBind    = "bind"
	FrameBound   = "bound"
	FrameMessage = "message"
	FrameError   = "error"
)

// Frame is one JSON frame on the push connection. The client sends bind
// frames; the server sends message frames whose Data is an encoded
// message.Message.
type Frame struct {
	Type    string          `json:"type"`
	Entity  string          `json:"entity,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Time    int64           `json:"time,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BindFrame subscribes channel for entity, asking for changes after since.
func BindFrame(entity, channel string, since int64) Frame {
	return Frame{Type: FrameBind, Entity: entity, Channel: channel, Time: since}
}

// PushOptions select the resource path and query on the push server.
type PushOptions struct {
	Resource string
	Query    url.Values
}

// PushHandler receives push connection events. Calls for one connection are
// made from a single goroutine.
type PushHandler interface {
	OnConnect(ctx context.Context, conn PushConn)
	OnDisconnect(err error)
	OnMessage(ctx context.Context, channel string, payload []byte)
}

// PushConn is an established push connection.
type PushConn interface {
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Push is the server-push port.
type Push interface {
	Connect(ctx context.Context, url string, opts PushOptions, h PushHandler) (PushConn, error)
}

// HandlerFuncs adapts plain functions to PushHandler. Nil fields are skipped.
type HandlerFuncs struct {
	Connect    func(ctx context.Context, conn PushConn)
	Disconnect func(err error)
	Message    func(ctx context.Context, channel string, payload []byte)
}

func (h HandlerFuncs) OnConnect(ctx context.Context, conn PushConn) {
	if h.Connect != nil {
		h.Connect(ctx, conn)
	}
}

func (h HandlerFuncs) OnDisconnect(err error) {
	if h.Disconnect != nil {
		h.Disconnect(err)
	}
}

func (h HandlerFuncs) OnMessage(ctx context.Context, channel string, payload []byte) {
	if h.Message != nil {
		h.Message(ctx, channel, payload)
	}
}

// pushURL joins base, resource and query, switching http schemes to ws.
func pushURL(base string, opts PushOptions) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + opts.Resource)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if len(opts.Query) > 0 {
		q := u.Query()
		for k, vs := range opts.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
