package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/record"
	"github.com/marcus/replica/internal/transport"
	"github.com/marcus/replica/internal/view"
)

// Source returns a view source that pages from the remote and falls back to
// the local cache when the remote is unreachable.
func (e *Engine) Source() view.Source {
	return view.SourceFunc(e.fetchPage)
}

func (e *Engine) fetchPage(ctx context.Context, entity string, page view.Page) (view.Batch, error) {
	ep, err := e.endpoint(entity)
	if err != nil {
		return view.Batch{}, err
	}
	q := url.Values{}
	if page.Offset > 0 {
		q.Set("offset", strconv.Itoa(page.Offset))
	}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Filter != "" {
		q.Set("filter", page.Filter)
	}
	if page.Where != "" {
		q.Set("where", page.Where)
	}
	if len(page.Sort) > 0 {
		keys := make([]string, len(page.Sort))
		for i, s := range page.Sort {
			keys[i] = s.String()
		}
		q.Set("sort", strings.Join(keys, ","))
	}
	target := ep.RemoteRoot
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	resp, err := e.remote.Do(ctx, http.MethodGet, target, nil)
	if err != nil {
		if transport.IsConnectivity(err) {
			e.log.Debug("engine: remote unreachable, reading cache", "entity", entity)
			return view.StoreSource{Store: e.store}.Fetch(ctx, entity, page)
		}
		return view.Batch{}, err
	}
	recs, err := resp.Records()
	if err != nil {
		return view.Batch{}, fmt.Errorf("list %s: %w", entity, err)
	}
	return view.Batch{Records: recs, Paged: true}, nil
}

// View creates a live view over spec, subscribes it to canonical messages for
// its endpoint and loads the first window from src (the engine source when
// nil). The returned cancel unsubscribes the view.
func (e *Engine) View(ctx context.Context, spec view.Spec, src view.Source) (*view.Context, func(), error) {
	ep, err := e.endpoint(spec.Entity)
	if err != nil {
		return nil, nil, err
	}
	if spec.Identity == "" {
		spec.Identity = e.registry.Identity()
	}
	v, err := view.New(spec)
	if err != nil {
		return nil, nil, err
	}
	v.SetLogger(e.log)
	if src == nil {
		src = e.Source()
	}
	sub := &fetchGate{view: v}
	cancel := e.rec.Subscribe(ep.Channel, sub)
	if err := v.Fetch(ctx, src); err != nil {
		cancel()
		return nil, nil, err
	}
	sub.open()
	return v, cancel, nil
}

// fetchGate holds messages that arrive while a view loads its first window
// and applies them once the window is in place.
type fetchGate struct {
	mu      sync.Mutex
	view    *view.Context
	live    bool
	pending []message.Message
}

func (g *fetchGate) OnMessage(msg message.Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.live {
		g.pending = append(g.pending, msg)
		return true
	}
	return g.view.OnMessage(msg)
}

func (g *fetchGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live = true
	for _, msg := range g.pending {
		g.view.OnMessage(msg)
	}
	g.pending = nil
}

// Watch keeps model current with canonical messages for its record.
func (e *Engine) Watch(m *record.Model) (func(), error) {
	ep, err := e.endpoint(m.Entity())
	if err != nil {
		return nil, err
	}
	if m.ID() == "" {
		return nil, fmt.Errorf("watch %s: model has no id", m.Entity())
	}
	return e.rec.Subscribe(ep.Channel, view.NewRecordView(ep.Entity, m)), nil
}
