// Package sink is the boundary between the relay core and whatever consumes
// delivered messages locally: a UI, a visual overlay, another subsystem. The
// core only ever calls Publish.
package sink

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

var ErrClosed = errors.New("sink: bus closed")

// Sink receives every message the relay decrypts.
type Sink interface {
	Publish(topic string, payload []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(topic string, payload []byte) error

func (f SinkFunc) Publish(topic string, payload []byte) error { return f(topic, payload) }

// Delivery is one published message as seen by a subscriber.
type Delivery struct {
	ID      cid.Cid
	Topic   string
	Payload []byte
}

// ContentID returns the CIDv1 (raw, sha2-256) of payload.
func ContentID(payload []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(payload, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Subscription receives deliveries for one topic until unsubscribed.
type Subscription struct {
	bus     *Bus
	topic   string
	ch      chan Delivery
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the delivery channel. It is closed on Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Dropped returns how many deliveries were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is an in-process topic fan-out. Publish never blocks on a slow
// subscriber: a full buffer drops the delivery for that subscriber only.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	closed  bool
	dropped func(topic string)
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// OnDrop registers a callback invoked whenever a delivery is dropped.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	b.dropped = fn
	b.mu.Unlock()
}

// Subscribe registers for topic (or AllTopics) with the given channel buffer.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := &Subscription{bus: b, topic: topic, ch: make(chan Delivery, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	old := b.subs[topic]
	subs := make([]*Subscription, len(old)+1)
	copy(subs, old)
	subs[len(old)] = sub
	b.subs[topic] = subs
	return sub
}

// Publish delivers payload to subscribers of topic and of AllTopics.
func (b *Bus) Publish(topic string, payload []byte) error {
	id, err := ContentID(payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	d := Delivery{ID: id, Topic: topic, Payload: payload}
	for _, sub := range b.subs[topic] {
		b.deliver(sub, d)
	}
	if topic != AllTopics {
		for _, sub := range b.subs[AllTopics] {
			b.deliver(sub, d)
		}
	}
	return nil
}

// Close closes every subscription. Later Publish calls return ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.close()
		}
	}
	b.subs = nil
}

// Subscribers returns the number of subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) deliver(sub *Subscription, d Delivery) {
	select {
	case sub.ch <- d:
	default:
		sub.dropped.Add(1)
		if b.dropped != nil {
			b.dropped(d.Topic)
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		subs := b.subs[sub.topic]
		for i, s := range subs {
			if s == sub {
				rest := make([]*Subscription, 0, len(subs)-1)
				rest = append(rest, subs[:i]...)
				rest = append(rest, subs[i+1:]...)
				if len(rest) == 0 {
					delete(b.subs, sub.topic)
				} else {
					b.subs[sub.topic] = rest
				}
				break
			}
		}
	}
	sub.close()
}
