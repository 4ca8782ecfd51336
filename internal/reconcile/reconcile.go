// Package reconcile applies canonical server state to the local cache. Pulled
// changes, pushed messages and successful local dispatches all go through one
// apply path that persists the change, advances the channel cursor and
// notifies live views.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/store"
	"github.com/marcus/replica/internal/transport"
)

// maxPullPages bounds one Pull when the server keeps reporting more pages.
const maxPullPages = 100

// Subscriber receives every canonical message applied for a channel.
type Subscriber interface {
	OnMessage(msg message.Message) bool
}

// Result summarises a batch of applied messages.
type Result struct {
	Applied   int
	Skipped   int // malformed messages
	Conflicts int // server changes that overwrote a record with a pending local mutation
	Cursor    int64
}

// Reconciler is the canonical apply path.
type Reconciler struct {
	store    store.Store
	remote   transport.Remote
	registry *endpoint.Registry
	log      *slog.Logger

	// DeviceID is written to history rows.
	DeviceID string
	// Now returns epoch milliseconds; tests may replace it.
	Now func() int64

	// applyMu keeps cursor advances in application order.
	applyMu sync.Mutex

	subMu  sync.RWMutex
	subs   map[string]map[int]Subscriber
	nextID int
}

// New creates a Reconciler. remote may be nil when only local applies are used.
func New(s store.Store, remote transport.Remote, registry *endpoint.Registry, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:    s,
		remote:   remote,
		registry: registry,
		log:      log,
		Now:      message.Now,
		subs:     make(map[string]map[int]Subscriber),
	}
}

// Subscribe registers sub for channel until the returned cancel is called.
func (r *Reconciler) Subscribe(channel string, sub Subscriber) (cancel func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextID
	r.nextID++
	if r.subs[channel] == nil {
		r.subs[channel] = make(map[int]Subscriber)
	}
	r.subs[channel][id] = sub
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs[channel], id)
		if len(r.subs[channel]) == 0 {
			delete(r.subs, channel)
		}
	}
}

func (r *Reconciler) subscribers(channel string) []Subscriber {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	out := make([]Subscriber, 0, len(r.subs[channel]))
	for _, s := range r.subs[channel] {
		out = append(out, s)
	}
	return out
}

// OnMessage applies a server-originated message: persist it, advance the
// channel cursor to its time, then notify subscribers. Applying the same
// message twice leaves the same state.
func (r *Reconciler) OnMessage(ctx context.Context, ep *endpoint.Endpoint, msg message.Message) error {
	_, _, err := r.apply(ctx, ep, msg, true)
	return err
}

// ApplyLocal applies canonical data that originated from a local dispatch (or
// optimistic local data while offline). The cursor is not moved.
func (r *Reconciler) ApplyLocal(ctx context.Context, ep *endpoint.Endpoint, msg message.Message) (message.Attrs, error) {
	attrs, _, err := r.apply(ctx, ep, msg, false)
	return attrs, err
}

// apply reports whether a server change overwrote a record with a pending
// local mutation.
func (r *Reconciler) apply(ctx context.Context, ep *endpoint.Endpoint, msg message.Message, fromServer bool) (message.Attrs, bool, error) {
	msg = message.Normalize(msg)
	msg.Entity = ep.Entity
	if err := msg.Validate(); err != nil {
		return nil, false, err
	}
	if msg.Method == message.Read {
		return nil, false, fmt.Errorf("%w: read is not applicable", message.ErrMalformed)
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	var (
		attrs    message.Attrs
		conflict bool
	)
	if msg.IsBulk() {
		if err := r.store.Reset(ctx, ep.Entity, msg.Records); err != nil {
			return nil, false, fmt.Errorf("reset %s: %w", ep.Entity, err)
		}
	} else {
		if fromServer {
			_, err := r.store.GetQueued(ctx, message.Key(ep.Entity, msg.ID))
			switch {
			case err == nil:
				conflict = true
			case errors.Is(err, store.ErrNotFound), errors.Is(err, message.ErrMalformed):
			default:
				return nil, false, fmt.Errorf("check pending %s: %w", msg.Key(), err)
			}
		}
		var err error
		attrs, err = r.store.Apply(ctx, ep.Entity, msg.ID, msg.Method, msg.Data)
		if err != nil {
			return nil, false, fmt.Errorf("apply %s %s/%s: %w", msg.Method, ep.Entity, msg.ID, err)
		}
	}

	if fromServer && msg.Time > 0 {
		t, err := r.store.AdvanceCursor(ctx, ep.Channel, msg.Time)
		if err != nil {
			return nil, false, fmt.Errorf("advance cursor %s: %w", ep.Channel, err)
		}
		ep.ObserveCursor(t)
	}

	r.recordHistory(ctx, ep, msg, fromServer, conflict)

	// Views get the full record so a patch can bring a record into a window
	// it was not part of.
	out := msg
	if msg.Method == message.Patch && attrs != nil {
		out.Method = message.Update
		out.Data = attrs
	}
	for _, sub := range r.subscribers(ep.Channel) {
		sub.OnMessage(out.Clone())
	}
	return attrs, conflict, nil
}

func (r *Reconciler) recordHistory(ctx context.Context, ep *endpoint.Endpoint, msg message.Message, fromServer, conflict bool) {
	dir := store.DirectionPush
	if fromServer {
		dir = store.DirectionPull
	}
	entry := store.HistoryEntry{
		Direction:  dir,
		ActionType: string(msg.Method),
		EntityType: ep.Entity,
		EntityID:   msg.ID,
		ServerSeq:  msg.Time,
		DeviceID:   r.DeviceID,
		Timestamp:  time.Now().UTC(),
	}
	entries := []store.HistoryEntry{entry}
	if conflict {
		entry.Direction = store.DirectionConflict
		entries = append(entries, entry)
		r.log.Info("reconcile: server change overwrote pending local mutation", "entity", ep.Entity, "id", msg.ID)
	}
	if err := r.store.RecordHistory(ctx, entries); err != nil {
		r.log.Warn("reconcile: record history", "err", err)
	}
}

// changesPage is the body of GET {root}/_changes.
type changesPage struct {
	Messages []json.RawMessage `json:"messages"`
	Time     int64             `json:"time"`
	HasMore  bool              `json:"has_more"`
}

// Pull fetches every change after the channel cursor and applies them in
// arrival order. Malformed changes are skipped but still move the cursor past
// them. When the server had nothing after the cursor, the cursor moves to the
// server's current time instead.
func (r *Reconciler) Pull(ctx context.Context, ep *endpoint.Endpoint) (Result, error) {
	var res Result
	if r.remote == nil {
		return res, errors.New("pull: no remote configured")
	}

	since, err := r.store.Cursor(ctx, ep.Channel)
	if err != nil {
		return res, fmt.Errorf("read cursor %s: %w", ep.Channel, err)
	}
	since = max(since, ep.LastMessageTime())
	res.Cursor = since

	var (
		serverTime int64
		seen       int
	)
	for page := 0; page < maxPullPages; page++ {
		q := url.Values{}
		q.Set("channel", ep.Channel)
		q.Set("since", strconv.FormatInt(since, 10))
		resp, err := r.remote.Do(ctx, http.MethodGet, ep.RemoteRoot+"/_changes?"+q.Encode(), nil)
		if err != nil {
			return res, err
		}
		var body changesPage
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return res, fmt.Errorf("%w: changes body: %v", message.ErrMalformed, err)
		}
		serverTime = body.Time
		seen += len(body.Messages)

		pageStart := since
		for _, raw := range body.Messages {
			since = max(since, stampOf(raw))
			msg, err := message.Decode(raw)
			if err != nil {
				r.log.Warn("reconcile: skipping malformed change", "entity", ep.Entity, "err", err)
				res.Skipped++
				continue
			}
			_, conflict, err := r.apply(ctx, ep, msg, true)
			if err != nil {
				if errors.Is(err, message.ErrMalformed) {
					r.log.Warn("reconcile: skipping invalid change", "entity", ep.Entity, "err", err)
					res.Skipped++
					continue
				}
				return res, err
			}
			res.Applied++
			if conflict {
				res.Conflicts++
			}
		}
		if !body.HasMore || len(body.Messages) == 0 {
			break
		}
		if since == pageStart {
			r.log.Warn("reconcile: changes page did not advance the cursor", "entity", ep.Entity, "since", since)
			break
		}
	}

	target := since
	if seen == 0 {
		target = serverTime
		if target <= 0 {
			target = r.Now()
		}
	}
	if target > ep.LastMessageTime() {
		t, err := r.store.AdvanceCursor(ctx, ep.Channel, target)
		if err != nil {
			return res, fmt.Errorf("advance cursor %s: %w", ep.Channel, err)
		}
		ep.ObserveCursor(t)
		since = t
	}
	res.Cursor = since
	r.log.Debug("reconcile: pulled", "entity", ep.Entity, "applied", res.Applied, "skipped", res.Skipped, "cursor", res.Cursor)
	return res, nil
}

// stampOf returns the time of a raw change, or 0 when it has none.
func stampOf(raw json.RawMessage) int64 {
	var s struct {
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	return s.Time
}

// HandlePush decodes one pushed message for channel and applies it. A
// malformed message is logged and skipped.
func (r *Reconciler) HandlePush(ctx context.Context, channel string, payload []byte) error {
	ep, ok := r.registry.ByChannel(channel)
	if !ok {
		r.log.Debug("reconcile: push for unknown channel", "channel", channel)
		return fmt.Errorf("%w: channel %s", endpoint.ErrUnknownEndpoint, channel)
	}
	msg, err := message.Decode(payload)
	if err != nil {
		r.log.Warn("reconcile: skipping malformed push", "channel", channel, "err", err)
		return nil
	}
	if err := r.OnMessage(ctx, ep, msg); err != nil {
		if errors.Is(err, message.ErrMalformed) {
			r.log.Warn("reconcile: skipping invalid push", "channel", channel, "err", err)
			return nil
		}
		return err
	}
	return nil
}
