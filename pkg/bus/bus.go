// Package bus fans the document store's mutation feed out to domain
// subscribers as typed change events keyed by document type.
//
// The bus itself filters nothing beyond attaching the discriminator:
// each subscriber filters by the ids it cares about and must tolerate
// duplicate delivery, de-duplicating by id and revision.
package bus

import (
	"sync"

	"github.com/classpad/docsync/pkg/document"
	"github.com/classpad/docsync/pkg/logger"
	"github.com/classpad/docsync/pkg/store"
)

// TypeAll subscribes to every document type.
const TypeAll = document.Type("")

// Event is one typed change delivered to subscribers.
type Event struct {
	Type   document.Type
	Doc    *document.Document
	Origin store.Origin
	Seq    uint64
}

// Watcher is the slice of the store contract the bus consumes.
type Watcher interface {
	Watch(buffer int) (<-chan store.Change, func())
}

type Bus struct {
	log    logger.Logger
	cancel func()

	mu     sync.Mutex
	subs   map[document.Type]map[int]*Subscription
	nextID int
	closed bool

	done chan struct{}
}

// New attaches a bus to the store's mutation feed.
func New(w Watcher, log logger.Logger) *Bus {
	src, cancel := w.Watch(256)
	b := &Bus{
		log:    logger.OrNop(log),
		cancel: cancel,
		subs:   make(map[document.Type]map[int]*Subscription),
		done:   make(chan struct{}),
	}
	go b.pump(src)
	return b
}

// Subscription is one subscriber's stable event channel.
type Subscription struct {
	bus    *Bus
	id     int
	filter document.Type
	events chan Event
}

// Events delivers the subscriber's changes. The channel is closed on
// Unsubscribe or when the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe releases the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Subscribe registers a subscriber for one document type, or every type
// with TypeAll. The channel is buffered; a subscriber that stops reading
// loses events rather than stalling the feed.
func (b *Bus) Subscribe(t document.Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:    b,
		id:     b.nextID,
		filter: t,
		events: make(chan Event, 100),
	}
	b.nextID++

	if b.closed {
		close(sub.events)
		return sub
	}
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]*Subscription)
	}
	b.subs[t][sub.id] = sub
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.subs[sub.filter]
	if !ok {
		return
	}
	if _, ok := group[sub.id]; !ok {
		return
	}
	delete(group, sub.id)
	close(sub.events)
}

func (b *Bus) pump(src <-chan store.Change) {
	defer close(b.done)

	for change := range src {
		if change.Doc == nil {
			continue
		}
		b.deliver(Event{
			Type:   change.Doc.Type,
			Doc:    change.Doc,
			Origin: change.Origin,
			Seq:    change.Seq,
		})
	}

	b.mu.Lock()
	b.closed = true
	for _, group := range b.subs {
		for id, sub := range group {
			delete(group, id)
			close(sub.events)
		}
	}
	b.mu.Unlock()
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range []document.Type{ev.Type, TypeAll} {
		for id, sub := range b.subs[t] {
			select {
			case sub.events <- ev:
			default:
				b.log.Warn("bus subscriber is falling behind, dropping event",
					"subscriber", id, "documentType", ev.Type, "id", ev.Doc.ID)
			}
		}
	}
}

// Close detaches from the store feed and closes every subscription.
func (b *Bus) Close() {
	b.cancel()
	<-b.done
}

// Deduper tracks delivered (id, revision) pairs so a subscriber can
// ignore duplicate deliveries.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]string)}
}

// Seen records the pair and reports whether it was already delivered.
func (d *Deduper) Seen(id, revision string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] == revision {
		return true
	}
	d.seen[id] = revision
	return false
}
