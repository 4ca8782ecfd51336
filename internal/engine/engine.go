// Package engine ties the offline-first pieces together. Local mutations go
// through the durable queue and are dispatched to the remote; connectivity
// failures leave them queued for replay, rejections run recovery, and every
// canonical answer flows through the reconciler into live views.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/queue"
	"github.com/marcus/replica/internal/reconcile"
	"github.com/marcus/replica/internal/store"
	"github.com/marcus/replica/internal/transport"
)

// DefaultPushResource is the path of the push endpoint on the push server.
const DefaultPushResource = "/push"

// Options configure an Engine. Store and Remote are required.
type Options struct {
	Store  store.Store
	Remote transport.Remote
	// Push is optional; without it only pull and replay are used.
	Push         transport.Push
	PushURL      string
	PushResource string

	Identity string
	DeviceID string

	// Recover handles rejected mutations. Nil uses DefaultRecover.
	Recover RecoverFunc
	Log     *slog.Logger
}

// Engine is the sync engine for one identity.
type Engine struct {
	store    store.Store
	remote   transport.Remote
	registry *endpoint.Registry
	queue    *queue.Queue
	rec      *reconcile.Reconciler
	recover  RecoverFunc
	log      *slog.Logger

	push         transport.Push
	pushURL      string
	pushResource string

	// dispatchMu covers read head, dispatch, remove for one queue entry so
	// local merges never interleave with it.
	dispatchMu sync.Mutex
	flight     singleflight.Group

	mu       sync.Mutex
	pushConn transport.PushConn
	closed   bool
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("engine: remote is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	reg := endpoint.NewRegistry(opts.Identity, log)
	rec := reconcile.New(opts.Store, opts.Remote, reg, log)
	rec.DeviceID = opts.DeviceID

	e := &Engine{
		store:        opts.Store,
		remote:       opts.Remote,
		registry:     reg,
		queue:        queue.New(opts.Store, log),
		rec:          rec,
		recover:      opts.Recover,
		log:          log,
		push:         opts.Push,
		pushURL:      opts.PushURL,
		pushResource: opts.PushResource,
	}
	if e.recover == nil {
		e.recover = DefaultRecover(opts.Remote)
	}
	if e.pushResource == "" {
		e.pushResource = DefaultPushResource
	}
	return e, nil
}

func (e *Engine) Registry() *endpoint.Registry     { return e.registry }
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.rec }
func (e *Engine) Queue() *queue.Queue               { return e.queue }
func (e *Engine) Store() store.Store                { return e.store }

// Endpoint registers spec on first use and returns its endpoint. The stored
// cursor is loaded into the endpoint when it is created.
func (e *Engine) Endpoint(ctx context.Context, spec endpoint.Spec) (*endpoint.Endpoint, error) {
	ep, created, err := e.registry.Ensure(spec)
	if err != nil {
		return nil, err
	}
	if created {
		cur, err := e.store.Cursor(ctx, ep.Channel)
		if err != nil {
			return nil, storageErr("load cursor", err)
		}
		ep.ObserveCursor(cur)
	}
	return ep, nil
}

// CloseEndpoint unregisters entity. Its queued mutations stay queued and
// replay stops at them until the entity is registered again.
func (e *Engine) CloseEndpoint(entity string) bool {
	return e.registry.Close(entity)
}

func (e *Engine) endpoint(entity string) (*endpoint.Endpoint, error) {
	ep, ok := e.registry.Get(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", endpoint.ErrUnknownEndpoint, entity)
	}
	return ep, nil
}

// OnConnect brings entity online: pull changes after its cursor, then replay
// the offline queue. Concurrent callers for the same entity share one
// in-flight connect.
func (e *Engine) OnConnect(ctx context.Context, entity string) (reconcile.Result, error) {
	ep, err := e.endpoint(entity)
	if err != nil {
		return reconcile.Result{}, err
	}
	v, err, shared := e.flight.Do("connect:"+entity, func() (any, error) {
		return e.connect(ctx, ep)
	})
	if shared {
		e.log.Debug("engine: joined in-flight connect", "entity", entity)
	}
	res, _ := v.(reconcile.Result)
	return res, err
}

func (e *Engine) connect(ctx context.Context, ep *endpoint.Endpoint) (reconcile.Result, error) {
	if ep.State() != endpoint.Connected {
		if err := ep.Transition(endpoint.Connecting); err != nil {
			return reconcile.Result{}, err
		}
	}
	res, err := e.rec.Pull(ctx, ep)
	if err != nil {
		if transport.IsConnectivity(err) {
			e.OnDisconnect(ep.Entity)
		} else {
			_ = ep.Transition(endpoint.Disconnected)
		}
		return res, fmt.Errorf("pull %s: %w", ep.Entity, err)
	}
	if err := ep.Transition(endpoint.Connected); err != nil {
		return res, err
	}
	e.registry.MarkConnected(ep.Entity)
	e.log.Info("engine: connected", "entity", ep.Entity, "applied", res.Applied, "cursor", res.Cursor)

	if _, err := e.Replay(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// ConnectAll runs OnConnect for every registered endpoint in priority order.
func (e *Engine) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, ep := range e.registry.All() {
		if _, err := e.OnConnect(ctx, ep.Entity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnDisconnect marks entity (or every endpoint for "all" or "") disconnected
// and remembers the cause for Reconnect. Repeated calls are harmless.
func (e *Engine) OnDisconnect(cause string) {
	affected := e.registry.MarkDisconnected(cause)
	e.log.Info("engine: disconnected", "cause", e.registry.DisconnectedBy(), "endpoints", len(affected))
}

// Reconnect resumes exactly the endpoints named by the recorded disconnect
// cause.
func (e *Engine) Reconnect(ctx context.Context) error {
	targets := e.registry.ResumeTargets()
	var errs []error
	for _, ep := range targets {
		if _, err := e.OnConnect(ctx, ep.Entity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the push connection. The store belongs to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.pushConn
	e.pushConn = nil
	e.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
