// Package eventbus provides a tiny in-memory pub/sub fanout used to decouple
// the publish pipeline from its collaborators (draft bookkeeping, operator
// notifications, schedule watchers).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types.
const (
	// TypePostPublished fires after a post has been delivered to at least one
	// platform. Data is a PostPublished.
	TypePostPublished = "post.published"

	// TypePostFailed fires when a publish attempt exhausted its retries.
	// Data is a PostFailed.
	TypePostFailed = "post.failed"

	// TypeScheduleChanged fires after a schedule is created, updated or
	// deleted. Data is a ScheduleChanged.
	TypeScheduleChanged = "schedule.changed"

	// TypeScheduleFired fires when a schedule's timer goes off (or it is
	// triggered manually), before the publish attempt. Data is a ScheduleFired.
	TypeScheduleFired = "schedule.fired"

	// TypeConfigReloaded fires after a successful config hot-reload.
	TypeConfigReloaded = "config.reloaded"
)

// PostPublished is the payload for TypePostPublished.
type PostPublished struct {
	ItemID     string
	Group      string
	ScheduleID string
	Platforms  []string
	At         time.Time
}

// PostFailed is the payload for TypePostFailed.
type PostFailed struct {
	ItemID     string
	Group      string
	ScheduleID string
	Err        string
}

// ScheduleChanged is the payload for TypeScheduleChanged. Op is one of
// "create", "update", "delete".
type ScheduleChanged struct {
	ScheduleID string
	Op         string
}

// ScheduleFired is the payload for TypeScheduleFired.
type ScheduleFired struct {
	ScheduleID string
	At         time.Time
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
