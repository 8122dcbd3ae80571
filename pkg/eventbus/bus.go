// Package eventbus implements the in-process typed publish/subscribe bus
// (C6): per-subscriber ordered delivery with back-pressure timeout
// eviction. It is grounded on the teacher's pkg/api Hub/Client — one
// channel per subscriber, register/unregister under a map guarded by a
// mutex, a full send buffer treated as back-pressure — generalized from
// raw JSON broadcast over a live WebSocket to a typed, transport-free bus
// whose delivery channel is the caller's to wire to any sink.
package eventbus

import (
	"sync"
	"time"

	"github.com/omnidex-labs/matchcore/pkg/util"
)

// Subscriber receives events through an ordered, buffered channel. A single
// channel per subscriber guarantees delivery order within any stream key,
// since a key's events are a subsequence of the subscriber's total order.
type Subscriber struct {
	id string
	ch chan Event
}

// ID returns the subscriber's registration id.
func (s *Subscriber) ID() string { return s.id }

// Events returns the channel of delivered events. It is closed when the
// subscriber unsubscribes or is dropped for back-pressure.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus fans events out to every live subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber

	seqMu sync.Mutex
	seq   map[string]uint64

	backpressure time.Duration
	clock        util.Clock
}

// New constructs a Bus. backpressure bounds how long Publish waits on a
// full subscriber channel before evicting it.
func New(backpressure time.Duration, clock util.Clock) *Bus {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Bus{
		subs:         make(map[string]*Subscriber),
		seq:          make(map[string]uint64),
		backpressure: backpressure,
		clock:        clock,
	}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(id string, bufferSize int) *Subscriber {
	s := &Subscriber{id: id, ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish delivers e to every live subscriber, in registration-independent
// fan-out order but preserving each subscriber's own arrival order. Any
// subscriber whose channel is still full after the back-pressure timeout
// is dropped, and a subscriber:dropped event naming it is published.
func (b *Bus) Publish(e Event) {
	e.Seq = b.nextSeq(e.Key)
	dropped := b.deliver(e)
	for _, id := range dropped {
		b.Publish(Event{Type: SubscriberDropped, Key: e.Key, Payload: id, TimestampMs: e.TimestampMs})
	}
}

// nextSeq returns the next per-key sequence number, starting at 1.
func (b *Bus) nextSeq(key string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq[key]++
	return b.seq[key]
}

func (b *Bus) deliver(e Event) []string {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	var dropped []string
	for _, s := range targets {
		select {
		case s.ch <- e:
			continue
		default:
		}
		select {
		case s.ch <- e:
		case <-b.clock.After(b.backpressure):
			dropped = append(dropped, s.id)
		}
	}

	if len(dropped) > 0 {
		b.mu.Lock()
		for _, id := range dropped {
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		}
		b.mu.Unlock()
	}
	return dropped
}
