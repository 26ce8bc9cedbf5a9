// Package events implements the typed event bus called for by the design
// note on mapping "emit a named event" to message passing: job:* and
// sync:* notifications are published here for observers, never consumed
// as control signals.
package events

import (
	"sync"
	"time"
)

// Kind names an event. Constants below match the job:* and sync:* names
// named in the source's event log (see Event.Type in the teacher's model).
type Kind string

const (
	JobStarted   Kind = "job:started"
	JobCompleted Kind = "job:completed"
	JobRetry     Kind = "job:retry"
	JobFailed    Kind = "job:failed"

	SyncStarted   Kind = "sync:started"
	SyncProgress  Kind = "sync:progress"
	SyncCompleted Kind = "sync:completed"
	SyncFailed    Kind = "sync:failed"
	SyncPaused    Kind = "sync:paused"
	SyncResumed   Kind = "sync:resumed"
	SyncDeleted   Kind = "sync:deleted"
)

// Event is a single notification. Fields beyond Kind/At are populated as
// relevant to that kind and left zero otherwise.
type Event struct {
	Kind      Kind
	At        time.Time
	JobID     string
	JobType   string
	SyncID    string
	Attempt   int
	PageToken string
	Err       string
}

const subscriberBuffer = 32

// Bus is a fan-out publisher: each subscriber gets its own buffered
// channel. A slow subscriber drops events rather than blocking Publish —
// these are notifications, not a delivery-guaranteed log.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscription
	nextID      int
}

type subscription struct {
	kinds map[Kind]bool
	ch    chan Event
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{subscribers: map[int]*subscription{}}
}

// Subscribe returns a channel receiving events of the given kinds (all
// kinds if none are given), plus a cancel func that must be called when
// the subscriber is done listening.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	filter := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		filter[k] = true
	}
	sub := &subscription{kinds: filter, ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if len(sub.kinds) > 0 && !sub.kinds[evt.Kind] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}
