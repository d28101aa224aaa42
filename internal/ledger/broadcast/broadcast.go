// Package broadcast fans out committed ledger changes to per-owner
// subscribers. Delivery is best-effort: publishers never block on slow
// consumers, and events that cannot be queued are dropped with a log line.
package broadcast

import (
	"log"
	"sync"

	"github.com/fernwick/timeledger/internal/ledger/domain"
)

const (
	streamQueueSize       = 256
	subscriptionQueueSize = 16
)

// Broadcaster routes change events to subscriptions keyed by owner.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// stream is one owner's fan-out lane. Each stream has its own lock so a
// busy owner does not stall deliveries for everyone else.
type stream struct {
	ownerID string

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	queue chan domain.ChangeEvent
	done  chan struct{}
}

// Subscription is one consumer's view of an owner's change feed. Events
// arrive on Events until Close is called; the channel itself is never
// closed, consumers watch Done instead.
type Subscription struct {
	ownerID string
	events  chan domain.ChangeEvent
	done    chan struct{}
	once    sync.Once
	detach  func(*Subscription)
}

// New constructs an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{streams: make(map[string]*stream)}
}

// Publish enqueues event for the owner's subscribers. It never blocks: when
// the owner's queue is full the event is dropped. Publishing with no
// subscribers is a no-op.
func (b *Broadcaster) Publish(event domain.ChangeEvent) {
	if b == nil || event.OwnerID == "" {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	lane, ok := b.streams[event.OwnerID]
	b.mu.Unlock()
	if !ok {
		return
	}

	select {
	case lane.queue <- event:
	default:
		log.Printf("broadcast: dropping %s event for owner %s: queue full", event.Kind, event.OwnerID)
	}
}

// Subscribe registers a consumer for the owner's change feed.
func (b *Broadcaster) Subscribe(ownerID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub := &Subscription{
			ownerID: ownerID,
			events:  make(chan domain.ChangeEvent),
			done:    make(chan struct{}),
			detach:  func(*Subscription) {},
		}
		close(sub.done)
		return sub
	}

	lane, ok := b.streams[ownerID]
	if !ok {
		lane = &stream{
			ownerID: ownerID,
			subs:    make(map[*Subscription]struct{}),
			queue:   make(chan domain.ChangeEvent, streamQueueSize),
			done:    make(chan struct{}),
		}
		b.streams[ownerID] = lane
		go lane.run()
	}

	sub := &Subscription{
		ownerID: ownerID,
		events:  make(chan domain.ChangeEvent, subscriptionQueueSize),
		done:    make(chan struct{}),
	}
	sub.detach = func(s *Subscription) { b.detach(lane, s) }

	lane.mu.Lock()
	lane.subs[sub] = struct{}{}
	lane.mu.Unlock()
	return sub
}

// Close shuts the broadcaster down and releases every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make([]*stream, 0, len(b.streams))
	for _, lane := range b.streams {
		streams = append(streams, lane)
	}
	b.streams = make(map[string]*stream)
	b.mu.Unlock()

	for _, lane := range streams {
		close(lane.done)
		lane.mu.Lock()
		for sub := range lane.subs {
			sub.once.Do(func() { close(sub.done) })
		}
		lane.subs = make(map[*Subscription]struct{})
		lane.mu.Unlock()
	}
}

func (b *Broadcaster) detach(lane *stream, sub *Subscription) {
	lane.mu.Lock()
	delete(lane.subs, sub)
	empty := len(lane.subs) == 0
	lane.mu.Unlock()

	if !empty {
		return
	}
	b.mu.Lock()
	if current, ok := b.streams[lane.ownerID]; ok && current == lane {
		lane.mu.Lock()
		stillEmpty := len(lane.subs) == 0
		lane.mu.Unlock()
		if stillEmpty {
			delete(b.streams, lane.ownerID)
			close(lane.done)
		}
	}
	b.mu.Unlock()
}

func (lane *stream) run() {
	for {
		select {
		case <-lane.done:
			return
		case event := <-lane.queue:
			lane.deliver(event)
		}
	}
}

func (lane *stream) deliver(event domain.ChangeEvent) {
	lane.mu.Lock()
	subs := make([]*Subscription, 0, len(lane.subs))
	for sub := range lane.subs {
		subs = append(subs, sub)
	}
	lane.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.events <- event:
		default:
			log.Printf("broadcast: dropping %s event for owner %s: subscriber backlog full", event.Kind, event.OwnerID)
		}
	}
}

// Events streams the owner's change events.
func (s *Subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// OwnerID reports which owner's feed this subscription follows.
func (s *Subscription) OwnerID() string {
	return s.ownerID
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach(s)
		}
	})
}
