package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/transport"
)

// ReplayResult summarises one drain of the offline queue.
type ReplayResult struct {
	Sent      int
	Rejected  int
	Dropped   int
	Remaining int
	// BlockedOn is the queue key replay stopped at, if any.
	BlockedOn string
}

// Replay drains the offline queue in priority, time, id order. It stops at
// the first entry whose endpoint is not registered, at the first connectivity
// failure, and at the first rejection whose recovery fails. Concurrent calls
// share one in-flight replay.
func (e *Engine) Replay(ctx context.Context) (ReplayResult, error) {
	v, err, _ := e.flight.Do("replay", func() (any, error) {
		return e.replay(ctx)
	})
	res, _ := v.(ReplayResult)
	return res, err
}

func (e *Engine) replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		done, err := e.replayHead(ctx, &res)
		if err != nil || done {
			if res.Sent+res.Rejected+res.Dropped > 0 {
				e.log.Info("engine: replay", "sent", res.Sent, "rejected", res.Rejected, "dropped", res.Dropped, "remaining", res.Remaining)
			}
			return res, err
		}
	}
}

// replayHead dispatches the head of the queue under dispatchMu.
func (e *Engine) replayHead(ctx context.Context, res *ReplayResult) (done bool, err error) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return true, storageErr("list queue", err)
	}
	res.Remaining = len(pending)
	if len(pending) == 0 {
		return true, nil
	}
	head := pending[0]
	entity := head.Entity
	if entity == "" {
		entity, _, _ = message.SplitKey(head.Key())
	}

	ep, ok := e.registry.Get(entity)
	if !ok {
		res.BlockedOn = head.Key()
		e.log.Debug("engine: replay waiting for endpoint", "key", head.Key())
		return true, nil
	}
	if err := head.Validate(); err != nil || !head.Method.Mutating() {
		e.log.Warn("engine: dropping malformed queue entry", "key", head.Key(), "method", head.Method, "err", err)
		if err := e.queue.Remove(ctx, head.Key()); err != nil {
			return true, storageErr("drop entry", err)
		}
		res.Dropped++
		return false, nil
	}

	_, err = e.dispatch(ctx, ep, head)
	switch {
	case err == nil:
		res.Sent++
		res.Remaining--
		return false, nil
	case transport.IsConnectivity(err):
		res.BlockedOn = head.Key()
		e.OnDisconnect(ep.Entity)
		return true, nil
	}

	var rej *RejectedError
	if errors.As(err, &rej) {
		if rej.RecoverErr != nil {
			res.BlockedOn = head.Key()
			return true, err
		}
		res.Rejected++
		res.Remaining--
		return false, nil
	}
	res.BlockedOn = head.Key()
	return true, fmt.Errorf("replay %s: %w", head.Key(), err)
}
