// Package eventbus carries in-process signals from the engine and its
// collaborators to the transport layer: status transitions, queue length
// changes, drain completion and per-item dispatch notices.
package eventbus

import (
	"sync"
	"time"
)

const (
	TopicStatusChanged = "status.changed"
	TopicQueueChanged  = "queue.changed"
	TopicQueueFinished = "queue.finished"
	TopicDispatched    = "queue.dispatched"
)

// Event is one signal. Data is topic-specific: a status.Update, a queue
// length, a finished bool, or a dispatched item id.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event. The engine must never stall on a
// slow transport.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered channel for the named topics; with no
	// topics it receives everything. The returned unsubscribe is idempotent
	// and closes the channel.
	Subscribe(buffer int, topics ...string) (<-chan Event, func())
}

// New returns the in-memory bus. It owns no goroutines; delivery happens on
// the publisher's stack.
func New() Bus { return &bus{} }

type subscriber struct {
	ch     chan Event
	topics map[string]struct{} // nil means every topic
}

// deliver attempts one non-blocking send. Unsubscribe may close the channel
// concurrently; the recover absorbs that race.
func (s *subscriber) deliver(e Event) {
	defer func() { _ = recover() }()
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

type bus struct {
	mu   sync.Mutex
	subs []*subscriber
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under the lock, send outside it.
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.wants(e.Topic) {
			s.deliver(e)
		}
	}
}

func (b *bus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}
