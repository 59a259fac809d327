// Package eventbus carries in-process job and delivery events from the
// orchestrator and the dispatcher to whoever watches them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic names what happened. Payloads are owned by the publishing package.
type Topic string

const (
	// JobStarted carries the jobs.Run appended before the handler starts.
	JobStarted      Topic = "job.started"
	// JobFinished carries the terminal jobs.Run.
	JobFinished     Topic = "job.finished"
	// DispatchAttempt carries one dispatch.Attempt.
	DispatchAttempt Topic = "dispatch.attempt"
	// DispatchResult carries the dispatch.Result of a Send.
	DispatchResult  Topic = "dispatch.result"
)

type Event struct {
	Topic Topic
	Time  time.Time
	Data  any
}

// Bus fans events out to subscribers without blocking the publisher. A
// subscriber whose buffer is full misses the event; Dropped counts those.
type Bus interface {
	Publish(e Event)
	// Subscribe receives the given topics, or every topic when none is given.
	Subscribe(buffer int, topics ...Topic) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool // nil means all
}

func (s *subscriber) wants(t Topic) bool {
	return s.topics == nil || s.topics[t]
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends never block, so holding the read lock keeps unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}
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
