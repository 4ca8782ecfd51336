// Package view maintains live, filtered, sorted and paged windows over cached
// records and keeps them current as canonical messages arrive.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/query"
	"github.com/marcus/replica/internal/record"
)

// ErrNoLimit is returned by discrete paging on a view without a page size.
var ErrNoLimit = errors.New("view has no limit")

// Spec is the immutable query of a view.
type Spec struct {
	Entity   string
	Offset   int
	Limit    int      // page size; 0 means unbounded
	Sort     string   // "field,-other"; a sort: clause in Filter wins
	Filter   string   // filter query language
	Where    string   // optional CEL expression
	Fields   []string // projection applied by Records
	Identity string   // resolves @me in Filter
}

// Status is a snapshot of a view's window and paging flags.
type Status struct {
	Offset int
	Limit  int
	Len    int
	More   bool // FetchMore got a full page
	End    bool // FetchMore got a short page
	Next   bool // a record exists after the current page
	Prev   bool // a record exists before the current page
}

// Context is a live collection view.
type Context struct {
	spec     Spec
	compiled *query.Compiled
	log      *slog.Logger

	fetchMu sync.Mutex

	mu       sync.Mutex
	items    *record.Collection
	ins      *inserter
	offset   int
	limit    int
	paged    bool
	more     bool
	end      bool
	next     bool
	prev     bool
	onChange []func(*Context)
}

// New compiles spec into a view. The filter, CEL expression and sort order
// are compiled once and reused for every message.
func New(spec Spec) (*Context, error) {
	if spec.Entity == "" {
		return nil, errors.New("view: empty entity")
	}
	if spec.Offset < 0 || spec.Limit < 0 {
		return nil, fmt.Errorf("view: negative window %d/%d", spec.Offset, spec.Limit)
	}
	compiled, err := query.Compile(spec.Filter, spec.Where, spec.Sort, spec.Identity)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", spec.Entity, err)
	}
	spec.Fields = append([]string(nil), spec.Fields...)
	return &Context{
		spec:     spec,
		compiled: compiled,
		log:      slog.Default(),
		items:    record.NewCollection(spec.Entity),
		ins:      newInserter(compiled.Compare),
		offset:   spec.Offset,
		limit:    spec.Limit,
	}, nil
}

// SetLogger replaces the default logger.
func (c *Context) SetLogger(l *slog.Logger) {
	if l != nil {
		c.log = l
	}
}

func (c *Context) Entity() string { return c.spec.Entity }

func (c *Context) Spec() Spec { return c.spec }

func (c *Context) target() {}

// Status returns the current window and flags.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Offset: c.offset,
		Limit:  c.limit,
		Len:    c.items.Len(),
		More:   c.more,
		End:    c.end,
		Next:   c.next,
		Prev:   c.prev,
	}
}

// Records returns the materialized window, projected to Spec.Fields.
func (c *Context) Records() []message.Attrs {
	items := c.items.Items()
	if len(c.spec.Fields) == 0 {
		return items
	}
	for i, it := range items {
		items[i] = it.Pick(c.spec.Fields)
	}
	return items
}

// IDs returns the ids in view order.
func (c *Context) IDs() []string { return c.items.IDs() }

// OnChange registers fn to run after the window changes.
func (c *Context) OnChange(fn func(*Context)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

func (c *Context) notify() {
	c.mu.Lock()
	fns := slices.Clone(c.onChange)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// ProcessAttributes runs raw records through filter, sort and the current
// window, in that order.
func (c *Context) ProcessAttributes(raw []message.Attrs) []message.Attrs {
	c.mu.Lock()
	offset, limit := c.offset, c.limit
	c.mu.Unlock()
	return c.process(raw, offset, limit, true)
}

func (c *Context) process(raw []message.Attrs, offset, limit int, ranged bool) []message.Attrs {
	out := make([]message.Attrs, 0, len(raw))
	for _, r := range raw {
		if r == nil || !c.compiled.Match(r) {
			continue
		}
		out = append(out, r.Clone())
	}
	c.compiled.SortRecords(out)
	if ranged {
		out = query.Window(out, offset, limit)
	}
	return out
}

// InsertionPoint returns the index at which attrs belongs in list under the
// view's sort order. list must already be sorted by it.
func (c *Context) InsertionPoint(attrs message.Attrs, list []message.Attrs) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ins.index(attrs, list)
}

// OnMessage applies one canonical message to the window and reports whether
// the window changed.
func (c *Context) OnMessage(msg message.Message) bool {
	if msg.Entity != "" && msg.Entity != c.spec.Entity {
		return false
	}
	c.mu.Lock()
	changed := c.apply(msg)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return changed
}

func (c *Context) apply(msg message.Message) bool {
	if msg.IsBulk() {
		c.items.Reset(c.process(msg.Records, c.offset, c.limit, true))
		c.ins.reset()
		return true
	}

	i := c.items.Index(msg.ID)
	switch msg.Method {
	case message.Create, message.Update:
		attrs := msg.Data.Clone()
		if attrs == nil {
			attrs = message.Attrs{}
		}
		attrs["id"] = msg.ID
		if i < 0 {
			return c.insert(attrs)
		}
		c.reposition(i, attrs)
		return true

	case message.Patch:
		if i < 0 {
			return false
		}
		attrs := c.items.At(i).Merge(msg.Data)
		attrs["id"] = msg.ID
		c.reposition(i, attrs)
		return true

	case message.Delete:
		if c.items.Remove(msg.ID) {
			c.ins.reset()
			return true
		}
		return false
	}
	return false
}

func (c *Context) insert(attrs message.Attrs) bool {
	if !c.compiled.Match(attrs) {
		c.log.Debug("view: record filtered out", "entity", c.spec.Entity, "id", attrs.ID())
		return false
	}
	var idx int
	c.items.With(func(list []message.Attrs) {
		idx = c.ins.index(attrs, list)
	})
	if c.limit > 0 && idx >= c.limit {
		return false
	}
	c.items.Insert(idx, attrs)
	if c.limit > 0 {
		c.items.Truncate(c.limit)
	}
	return true
}

// reposition replaces the record at i with attrs, dropping it when it no
// longer matches and moving it when its sort position changed.
func (c *Context) reposition(i int, attrs message.Attrs) {
	c.items.RemoveAt(i)
	if !c.compiled.Match(attrs) {
		c.ins.reset()
		return
	}
	cmp := c.compiled.Compare
	idx := i
	c.items.With(func(list []message.Attrs) {
		stays := (i == 0 || cmp(list[i-1], attrs) <= 0) &&
			(i == len(list) || cmp(attrs, list[i]) <= 0)
		if !stays {
			idx = c.ins.index(attrs, list)
		}
	})
	c.items.Insert(idx, attrs)
}

// Fetch loads the first window from src.
func (c *Context) Fetch(ctx context.Context, src Source) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	page := c.page(c.spec.Offset, c.spec.Limit)
	c.mu.Unlock()

	recs, err := c.load(ctx, src, page)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.items.Reset(recs)
	c.ins.reset()
	c.offset, c.limit = c.spec.Offset, c.spec.Limit
	// A limited first window is a page; FetchNext moves past it.
	c.paged = c.spec.Limit > 0
	c.more = c.spec.Limit > 0 && len(recs) == c.spec.Limit
	c.end = !c.more
	c.next, c.prev = false, false
	c.mu.Unlock()
	c.notify()
	return nil
}

// FetchMore appends the next page to the window and grows the effective
// limit by one page.
func (c *Context) FetchMore(ctx context.Context, src Source) error {
	size := c.spec.Limit
	if size == 0 {
		return c.Fetch(ctx, src)
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	if c.end {
		c.mu.Unlock()
		return nil
	}
	page := c.page(c.offset+c.limit, size)
	c.mu.Unlock()

	recs, err := c.load(ctx, src, page)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, r := range recs {
		if c.items.Index(r.ID()) < 0 {
			c.items.Append(r)
		}
	}
	c.limit += size
	c.more = len(recs) == size
	c.end = !c.more
	c.mu.Unlock()
	c.notify()
	return nil
}

// FetchNext moves to the next page. Before any Fetch the first call loads the
// page at the current offset. One extra record is requested to learn whether another
// page follows; it is never materialized.
func (c *Context) FetchNext(ctx context.Context, src Source) error {
	size := c.spec.Limit
	if size == 0 {
		return ErrNoLimit
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	offset := c.offset
	if c.paged {
		offset += size
	}
	wasPaged := c.paged
	c.mu.Unlock()

	recs, err := c.load(ctx, src, c.page(offset, size+1))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if wasPaged && len(recs) == 0 {
		c.next = false
		c.mu.Unlock()
		return nil
	}
	c.next = len(recs) > size
	if c.next {
		recs = recs[:size]
	}
	c.setPage(offset, size, recs)
	c.prev = offset > 0
	c.mu.Unlock()
	c.notify()
	return nil
}

// FetchPrev moves to the previous page. The record just before the page is
// requested as a sentinel for Prev and dropped.
func (c *Context) FetchPrev(ctx context.Context, src Source) error {
	size := c.spec.Limit
	if size == 0 {
		return ErrNoLimit
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	from := c.offset
	c.mu.Unlock()

	offset := max(from-size, 0)
	start := max(offset-1, 0)

	recs, err := c.load(ctx, src, c.page(start, size+1))
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := false
	if offset > 0 && len(recs) > 0 {
		prev = true
		recs = recs[1:]
	}
	next := from > offset
	if len(recs) > size {
		next = true
		recs = recs[:size]
	}
	c.setPage(offset, size, recs)
	c.prev, c.next = prev, next
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Context) setPage(offset, size int, recs []message.Attrs) {
	c.items.Reset(recs)
	c.ins.reset()
	c.offset, c.limit = offset, size
	c.paged = true
	c.more, c.end = false, false
}

func (c *Context) page(offset, limit int) Page {
	return Page{
		Offset: offset,
		Limit:  limit,
		Filter: c.spec.Filter,
		Where:  c.spec.Where,
		Sort:   c.compiled.Sort,
	}
}

// load fetches page and runs it through filter and sort. Whole datasets are
// windowed here; paged batches are taken as already windowed.
func (c *Context) load(ctx context.Context, src Source, page Page) ([]message.Attrs, error) {
	batch, err := src.Fetch(ctx, c.spec.Entity, page)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.spec.Entity, err)
	}
	recs := c.process(batch.Records, page.Offset, page.Limit, !batch.Paged)
	if batch.Paged && page.Limit > 0 && len(recs) > page.Limit {
		recs = recs[:page.Limit]
	}
	return recs, nil
}
