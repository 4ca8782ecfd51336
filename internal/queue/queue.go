// Package queue is the durable offline mutation queue. It holds at most one
// pending message per entity~id and yields them in replay order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/store"
)

// Queue wraps the queue table of a Store.
type Queue struct {
	store store.Store
	log   *slog.Logger

	// mu makes merge read-modify-write atomic.
	mu sync.Mutex
}

// New creates a queue over s. A nil logger uses slog.Default().
func New(s store.Store, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{store: s, log: log}
}

// Enqueue merges msg into any pending entry for the same key and persists the
// result. It returns the entry now pending, or ok=false when the merge
// cancelled the entry (a delete of a record never sent to the server).
func (q *Queue) Enqueue(ctx context.Context, msg message.Message) (pending message.Message, ok bool, err error) {
	if !msg.Method.Mutating() {
		return message.Message{}, false, fmt.Errorf("%w: %q is not queueable", message.ErrMalformed, msg.Method)
	}
	if msg.Entity == "" || msg.ID == "" {
		return message.Message{}, false, fmt.Errorf("%w: missing entity or id", message.ErrMalformed)
	}
	msg.QueueKey = msg.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.GetQueued(ctx, msg.QueueKey)
	switch {
	case err == nil:
		merged, keep := message.Merge(existing, msg)
		if !keep {
			if err := q.store.DeleteQueued(ctx, msg.QueueKey); err != nil {
				return message.Message{}, false, fmt.Errorf("drop queued %s: %w", msg.QueueKey, err)
			}
			q.log.Debug("queue: entry cancelled", "key", msg.QueueKey)
			return message.Message{}, false, nil
		}
		pending = merged
	case errors.Is(err, store.ErrNotFound), errors.Is(err, message.ErrMalformed):
		pending = msg.Clone()
	default:
		return message.Message{}, false, fmt.Errorf("read queued %s: %w", msg.QueueKey, err)
	}

	if err := q.store.PutQueued(ctx, pending); err != nil {
		return message.Message{}, false, fmt.Errorf("persist queued %s: %w", msg.QueueKey, err)
	}
	q.log.Debug("queue: entry stored", "key", pending.QueueKey, "method", pending.Method)
	return pending, true, nil
}

// Get returns the pending entry for key.
func (q *Queue) Get(ctx context.Context, key string) (message.Message, bool, error) {
	m, err := q.store.GetQueued(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, err
	}
	return m, true, nil
}

// Remove deletes the entry for key. Removing a missing key is not an error.
func (q *Queue) Remove(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.DeleteQueued(ctx, key); err != nil {
		return fmt.Errorf("remove queued %s: %w", key, err)
	}
	return nil
}

// Pending returns every entry in replay order: priority, then time, then id.
// Entries that can no longer be decoded are logged and dropped.
func (q *Queue) Pending(ctx context.Context) ([]message.Message, error) {
	list, err := q.store.ListQueued(ctx)
	if err == nil {
		return list, nil
	}

	var bad *store.MalformedEntryError
	dropped := 0
	for _, e := range unwrapAll(err) {
		if !errors.As(e, &bad) {
			return nil, fmt.Errorf("list queue: %w", err)
		}
		q.log.Warn("queue: dropping malformed entry", "key", bad.Key, "err", bad.Err)
		if rmErr := q.Remove(ctx, bad.Key); rmErr != nil {
			return nil, rmErr
		}
		dropped++
	}
	q.log.Debug("queue: malformed entries dropped", "count", dropped)
	return list, nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	list, err := q.Pending(ctx)
	return len(list), err
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
