// Package eventbus is an in-process fan-out of lifecycle signals (actions
// fired, monitors started and stopped, task outcomes).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small, JSON-friendly signal.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus delivers events to every matching subscriber. Publish never blocks:
// a subscriber whose buffer is full misses the event and it is counted in
// Dropped.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered receiver. With no types, every event
	// is delivered. The returned func is idempotent and closes the channel.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

const defaultBuffer = 8

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscriber) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Held for reading so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { b.remove(s) }) }
}

func (b *memBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
