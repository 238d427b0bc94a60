package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/me/kestrel/pkg/model"
)

// Filter selects the notifications a subscriber receives. A nil Filter
// accepts everything.
type Filter func(model.Notification) bool

// ForWorker accepts notifications addressed to the worker.
func ForWorker(id string) Filter {
	return func(n model.Notification) bool { return n.WorkerID == id }
}

// ForOwner accepts notifications about the owner's jobs that carry the owner.
func ForOwner(owner string) Filter {
	return func(n model.Notification) bool { return n.Owner == owner }
}

// OfKind accepts notifications of the given kinds.
func OfKind(kinds ...model.NotificationKind) Filter {
	return func(n model.Notification) bool {
		for _, k := range kinds {
			if n.Kind == k {
				return true
			}
		}
		return false
	}
}

// All accepts notifications that pass every non-nil filter.
func All(filters ...Filter) Filter {
	return func(n model.Notification) bool {
		for _, f := range filters {
			if f != nil && !f(n) {
				return false
			}
		}
		return true
	}
}

// Subscription receives published notifications on C until Close is called.
type Subscription struct {
	C <-chan model.Notification

	ch      chan model.Notification
	filter  Filter
	dropped atomic.Int64
	once    sync.Once
	cancel  func()
}

// Dropped returns how many notifications were discarded because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Emitter fans notifications out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the notification.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	next   int
	logger *slog.Logger
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		subs:   make(map[int]*Subscription),
		logger: logger.With("component", "emitter"),
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (e *Emitter) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.Notification, buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter}

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = sub
	e.mu.Unlock()

	sub.cancel = func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
		close(ch)
	}
	return sub
}

// Publish delivers each notification to every matching subscriber.
func (e *Emitter) Publish(notes ...model.Notification) {
	if len(notes) == 0 {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, n := range notes {
		for _, sub := range e.subs {
			if sub.filter != nil && !sub.filter(n) {
				continue
			}
			select {
			case sub.ch <- n:
			default:
				sub.dropped.Add(1)
				e.logger.Warn("subscriber buffer full, notification dropped", "kind", n.Kind, "job_id", n.JobID)
			}
		}
	}
}

// Subscribers returns the number of attached subscriptions.
func (e *Emitter) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
