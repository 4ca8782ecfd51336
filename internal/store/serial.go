package store

import (
	"context"
	"sync"
)

// Serializer runs write functions one at a time, in the order they were
// submitted, on a single worker goroutine.
type Serializer struct {
	reqs chan serialRequest
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type serialRequest struct {
	ctx    context.Context
	fn     func() error
	result chan error
}

// NewSerializer starts the worker. backlog bounds how many requests may wait
// before Do blocks.
func NewSerializer(backlog int) *Serializer {
	if backlog < 1 {
		backlog = 1
	}
	s := &Serializer{
		reqs: make(chan serialRequest, backlog),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Serializer) run() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.reqs:
			s.exec(req)
		case <-s.done:
			// Drain what was accepted before Close.
			for {
				select {
				case req := <-s.reqs:
					s.exec(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Serializer) exec(req serialRequest) {
	if err := req.ctx.Err(); err != nil {
		req.result <- err
		return
	}
	req.result <- req.fn()
}

// Do queues fn and waits for its result. A request whose context is done
// before the worker reaches it is skipped.
func (s *Serializer) Do(ctx context.Context, fn func() error) error {
	req := serialRequest{ctx: ctx, fn: fn, result: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	// Accepted requests always reach the worker, even during Close.
	return <-req.result
}

// Close stops accepting requests, finishes the accepted ones, and waits for
// the worker to exit.
func (s *Serializer) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
