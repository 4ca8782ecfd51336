package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/record"
	"github.com/marcus/replica/internal/store"
	"github.com/marcus/replica/internal/transport"
)

// SyncOptions tune one Sync call.
type SyncOptions struct {
	// Priority orders the queue entry; 0 uses the endpoint's priority.
	Priority int
	// NoDispatch only queues the mutation and applies it locally.
	NoDispatch bool
}

// Result is the outcome of Sync.
type Result struct {
	// Queued is true when the mutation is waiting in the offline queue.
	Queued bool
	// Cancelled is true when the mutation cancelled a queued create.
	Cancelled bool
	// Local is true when a read was answered from the local cache.
	Local bool
	Attrs message.Attrs
}

// Sync runs method for model. Mutations are merged into the offline queue and
// dispatched; read fetches the record and falls back to the local cache when
// the remote is unreachable.
func (e *Engine) Sync(ctx context.Context, method message.Method, m *record.Model, opts SyncOptions) (Result, error) {
	if e.isClosed() {
		return Result{}, ErrClosed
	}
	if !method.Valid() {
		return Result{}, fmt.Errorf("%w: unknown method %q", message.ErrMalformed, method)
	}
	ep, err := e.endpoint(m.Entity())
	if err != nil {
		return Result{}, err
	}
	if method == message.Read {
		return e.read(ctx, ep, m)
	}

	id := m.ID()
	if id == "" {
		if method != message.Create {
			return Result{}, fmt.Errorf("%w: %s without id", message.ErrMalformed, method)
		}
		id = uuid.NewString()
		m.Set(message.Attrs{"id": id})
	}

	var data message.Attrs
	switch method {
	case message.Patch:
		data = m.Changed()
	case message.Delete:
	default:
		data = m.Attributes()
	}
	msg := message.New(ep.Entity, id, method, data)
	msg.Priority = opts.Priority
	if msg.Priority == 0 {
		msg.Priority = ep.Priority
	}

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	pending, ok, err := e.queue.Enqueue(ctx, msg)
	if err != nil {
		return Result{}, storageErr("enqueue", err)
	}
	if !ok {
		// A delete cancelled a create the server never saw.
		if _, err := e.rec.ApplyLocal(ctx, ep, msg); err != nil {
			return Result{}, storageErr("apply local", err)
		}
		m.MarkDeleted()
		return Result{Cancelled: true}, nil
	}

	if opts.NoDispatch || e.offline(ep) {
		return e.applyOptimistic(ctx, ep, m, msg)
	}

	attrs, err := e.dispatch(ctx, ep, pending)
	switch {
	case err == nil:
		e.settle(m, method, attrs)
		e.pullWithoutPush(ctx, ep)
		return Result{Attrs: attrs}, nil
	case transport.IsConnectivity(err):
		e.log.Info("engine: remote unreachable, mutation queued", "key", pending.Key(), "err", err)
		e.OnDisconnect(ep.Entity)
		return e.applyOptimistic(ctx, ep, m, msg)
	}

	var rej *RejectedError
	if errors.As(err, &rej) {
		if rej.RecoverErr == nil {
			e.settle(m, recoveredMethod(rej.Recovery), rej.Recovery.Attrs)
		}
	}
	return Result{}, err
}

// pullWithoutPush fetches changes after a successful mutation when no push
// connection delivers them. A failed pull leaves the mutation settled.
func (e *Engine) pullWithoutPush(ctx context.Context, ep *endpoint.Endpoint) {
	e.mu.Lock()
	conn := e.pushConn
	e.mu.Unlock()
	if conn != nil {
		return
	}
	if _, err := e.rec.Pull(ctx, ep); err != nil {
		e.log.Warn("engine: pull after mutation", "entity", ep.Entity, "err", err)
	}
}

// offline reports whether a recorded disconnect covers ep.
func (e *Engine) offline(ep *endpoint.Endpoint) bool {
	cause := e.registry.DisconnectedBy()
	return cause == endpoint.AllCause || cause == ep.Entity
}

func (e *Engine) applyOptimistic(ctx context.Context, ep *endpoint.Endpoint, m *record.Model, msg message.Message) (Result, error) {
	attrs, err := e.rec.ApplyLocal(ctx, ep, msg)
	if err != nil {
		return Result{}, storageErr("apply local", err)
	}
	if msg.Method == message.Delete {
		m.MarkDeleted()
	}
	return Result{Queued: true, Attrs: attrs}, nil
}

// settle updates model with the canonical outcome of a dispatch or recovery.
func (e *Engine) settle(m *record.Model, method message.Method, attrs message.Attrs) {
	if method == message.Delete {
		m.MarkDeleted()
		return
	}
	if attrs != nil {
		m.Reset(attrs)
		return
	}
	m.MarkSynced()
}

func recoveredMethod(r Recovery) message.Method {
	if r.Deleted {
		return message.Delete
	}
	return message.Update
}

// dispatch sends one queued entry and settles it. Callers hold dispatchMu.
//
// On success the entry is removed and the canonical response is applied. On a
// rejection recovery runs and the entry is removed when recovery succeeded;
// the returned error is then a *RejectedError. Connectivity failures leave
// the entry untouched.
func (e *Engine) dispatch(ctx context.Context, ep *endpoint.Endpoint, msg message.Message) (message.Attrs, error) {
	verb, url := transport.Route(msg.Method, ep.RemoteRoot, msg.ID)
	var body any
	if msg.Method != message.Delete {
		data := msg.Data.Clone()
		if data == nil {
			data = message.Attrs{}
		}
		data["id"] = msg.ID
		body = data
	}

	resp, err := e.remote.Do(ctx, verb, url, body)
	if err != nil {
		var rej *transport.Rejection
		if !errors.As(err, &rej) || rej.Status == 0 {
			return nil, err
		}
		return nil, e.reject(ctx, ep, msg, rej)
	}

	canonical := message.Message{ID: msg.ID, Method: message.Delete, Time: msg.Time}
	if msg.Method != message.Delete {
		attrs, err := resp.Attrs()
		if err != nil {
			e.log.Warn("engine: undecodable response, keeping local data", "key", msg.Key(), "err", err)
		}
		canonical.Method = message.Update
		canonical.Data = attrs
		if attrs == nil {
			// Nothing came back; the queued change is what the server holds.
			canonical.Method = msg.Method
			canonical.Data = msg.Data
		}
	}

	if err := e.queue.Remove(ctx, msg.Key()); err != nil {
		return nil, storageErr("dequeue", err)
	}
	attrs, err := e.rec.ApplyLocal(ctx, ep, canonical)
	if err != nil {
		return nil, storageErr("apply canonical", err)
	}
	e.log.Debug("engine: dispatched", "key", msg.Key(), "method", msg.Method, "status", resp.Status)
	return attrs, nil
}

// reject runs recovery for a rejected entry.
func (e *Engine) reject(ctx context.Context, ep *endpoint.Endpoint, msg message.Message, rej *transport.Rejection) error {
	e.log.Warn("engine: mutation rejected", "key", msg.Key(), "status", rej.Status, "err", rej.Err)
	out := &RejectedError{Key: msg.Key(), Rejection: rej}

	rec, err := e.recover(ctx, ep, msg, rej)
	if err != nil {
		out.RecoverErr = err
		return out
	}
	out.Recovery = rec

	canonical := message.Message{ID: msg.ID, Method: message.Update, Data: rec.Attrs}
	if rec.Deleted {
		canonical = message.Message{ID: msg.ID, Method: message.Delete}
	}
	if _, err := e.rec.ApplyLocal(ctx, ep, canonical); err != nil {
		out.RecoverErr = storageErr("apply recovery", err)
		return out
	}
	if err := e.queue.Remove(ctx, msg.Key()); err != nil {
		out.RecoverErr = storageErr("dequeue", err)
		return out
	}
	return out
}

// Recovery is the canonical state a RecoverFunc settled on.
type Recovery struct {
	Deleted bool
	Attrs   message.Attrs
}

// RecoverFunc decides the local state after the remote rejected msg.
// Returning an error keeps the queue entry and stops replay.
type RecoverFunc func(ctx context.Context, ep *endpoint.Endpoint, msg message.Message, rej *transport.Rejection) (Recovery, error)

// DefaultRecover deletes the record locally for 404, 401 and 410 and
// otherwise refetches the canonical record from remote.
func DefaultRecover(remote transport.Remote) RecoverFunc {
	return func(ctx context.Context, ep *endpoint.Endpoint, msg message.Message, rej *transport.Rejection) (Recovery, error) {
		switch rej.Status {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusGone:
			return Recovery{Deleted: true}, nil
		}
		resp, err := remote.Do(ctx, http.MethodGet, ep.URL(msg.ID), nil)
		if err != nil {
			switch transport.StatusOf(err) {
			case http.StatusNotFound, http.StatusGone:
				return Recovery{Deleted: true}, nil
			}
			return Recovery{}, fmt.Errorf("refetch %s: %w", msg.Key(), err)
		}
		attrs, err := resp.Attrs()
		if err != nil {
			return Recovery{}, fmt.Errorf("refetch %s: %w", msg.Key(), err)
		}
		if attrs == nil {
			return Recovery{Deleted: true}, nil
		}
		return Recovery{Attrs: attrs}, nil
	}
}

// read fetches one record. Connectivity failures fall back to the cache.
func (e *Engine) read(ctx context.Context, ep *endpoint.Endpoint, m *record.Model) (Result, error) {
	id := m.ID()
	if id == "" {
		return Result{}, fmt.Errorf("%w: read without id", message.ErrMalformed)
	}
	resp, err := e.remote.Do(ctx, http.MethodGet, ep.URL(id), nil)
	if err != nil {
		if !transport.IsConnectivity(err) {
			return Result{}, err
		}
		attrs, lerr := e.store.Get(ctx, ep.Entity, id)
		if lerr != nil {
			if errors.Is(lerr, store.ErrNotFound) {
				return Result{}, fmt.Errorf("read %s/%s offline: %w", ep.Entity, id, lerr)
			}
			return Result{}, storageErr("read local", lerr)
		}
		m.Reset(attrs)
		return Result{Local: true, Attrs: attrs}, nil
	}
	attrs, err := resp.Attrs()
	if err != nil {
		return Result{}, err
	}
	if attrs == nil {
		attrs = message.Attrs{"id": id}
	}
	m.Reset(attrs)
	return Result{Attrs: attrs}, nil
}
