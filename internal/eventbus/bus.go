package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight in-memory signal used to decouple the runner,
// scheduler, and persistence subscribers. Data should be small; the bus
// never copies it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event, and Dropped counts those losses.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{}
}

type subscription struct {
	id uint64
	ch chan Event
}

type memBus struct {
	mu      sync.RWMutex
	subs    []subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so no lock is held while sending.
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.trySend(s.ch, e)
	}
}

// trySend delivers without blocking. A concurrent unsubscribe may close the
// channel mid-send; the resulting panic is absorbed here.
func (b *memBus) trySend(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := subscription{id: b.seq.Add(1), ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i := range b.subs {
				if b.subs[i].id == sub.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			// Safe because trySend absorbs sends on a closed channel.
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}
