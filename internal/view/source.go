package view

import (
	"context"
	"fmt"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/query"
	"github.com/marcus/replica/internal/store"
)

// Page is one fetch request issued by a view.
type Page struct {
	Offset int
	Limit  int // 0 means everything
	Filter string
	Where  string
	Sort   []query.SortClause
}

// Batch is what a Source returns for a Page. Paged is true when the source
// already applied Offset and Limit; otherwise Records is the whole dataset
// and the view windows it itself.
type Batch struct {
	Records []message.Attrs
	Paged   bool
}

// Source loads records for a view.
type Source interface {
	Fetch(ctx context.Context, entity string, page Page) (Batch, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, entity string, page Page) (Batch, error)

func (f SourceFunc) Fetch(ctx context.Context, entity string, page Page) (Batch, error) {
	return f(ctx, entity, page)
}

// StoreSource reads from the local record cache.
type StoreSource struct {
	Store store.Store
}

func (s StoreSource) Fetch(ctx context.Context, entity string, _ Page) (Batch, error) {
	records, err := s.Store.List(ctx, entity)
	if err != nil {
		return Batch{}, fmt.Errorf("list %s: %w", entity, err)
	}
	return Batch{Records: records}, nil
}
