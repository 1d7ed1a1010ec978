package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the broadcast runtime.
const (
	TypeProgress  = "broadcast.progress"
	TypeJobLoaded = "broadcast.job_loaded"
)

// Event is a small in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns events whose Type starts with prefix ("" for all).
	Subscribe(buffer int, prefix string) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many deliveries were skipped because a subscriber
	// was full.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The read lock is held across the non-blocking sends so unsubscribe
	// cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefix string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefix: prefix}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
