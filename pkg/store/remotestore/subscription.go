package remotestore

import (
	"context"
	"sync"

	"github.com/classpad/docsync/pkg/store"
	"github.com/classpad/docsync/pkg/store/remotestore/wire"
)

// Subscription is a live, filtered change stream. Changes pushed by the
// server are queued and pumped onto Updates in arrival order, so a slow
// consumer never blocks the connection's read loop.
type Subscription struct {
	client *Client
	stream string

	mu    sync.Mutex
	cond  *sync.Cond
	queue []store.Change
	done  bool
	err   error

	updates chan store.Change
}

var _ store.Subscription = (*Subscription)(nil)

func newSubscription(client *Client, stream string) *Subscription {
	s := &Subscription{
		client:  client,
		stream:  stream,
		updates: make(chan store.Change, 64),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *Subscription) Updates() <-chan store.Change { return s.updates }

// SetFilter atomically replaces the server-side database filter on the
// live stream.
func (s *Subscription) SetFilter(ctx context.Context, filter []string) error {
	return s.client.send(ctx, wire.MethodSetFilter,
		wire.FilterParams{Stream: s.stream, Filter: filter}, nil)
}

// Err reports why Updates was closed; nil on clean shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes on the server best-effort and ends the stream.
func (s *Subscription) Close(ctx context.Context) error {
	s.client.subMu.Lock()
	delete(s.client.subs, s.stream)
	s.client.subMu.Unlock()

	// The server-side subscription is released best-effort; a dropped
	// connection released it already.
	err := s.client.send(ctx, wire.MethodUnsubscribe, wire.UnsubscribeParams{Stream: s.stream}, nil)

	s.finish(nil)
	return err
}

// enqueue is called by the connection read loop.
func (s *Subscription) enqueue(change store.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.queue = append(s.queue, change)
	s.cond.Signal()
}

// finish marks the stream as ended. Queued changes still drain before
// Updates closes.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.cond.Signal()
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		change := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.updates <- change
	}
	close(s.updates)
}
