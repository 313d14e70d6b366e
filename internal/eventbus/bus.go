// Package eventbus fans lifecycle events out to in-process observers: the
// audit trail, the admin API and tests.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler, engine and notifier.
const (
	JobSubmitted  = "job.submitted"
	JobCancelled  = "job.cancelled"
	JobFired      = "job.fired"
	JobSucceeded  = "job.succeeded"
	JobFailed     = "job.failed"
	JobRearmed    = "job.rearmed"
	JobDropped    = "job.dropped"
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	TaskFailed    = "task.failed"
	TaskDropped   = "task.dropped"
	NotifyQueued  = "notify.queued"
	NotifyDeduped = "notify.deduped"
	NotifyDropped = "notify.dropped"
	NotifySent    = "notify.sent"
	NotifyFailed  = "notify.failed"
	ConfigApplied = "config.applied"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Subscribers get a buffered channel and miss events
// when they fall behind.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, "")
}

func (b *memBus) subscribe(buffer int, prefix string) (<-chan Event, func()) {
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
			// Holding the write lock excludes in-flight Publish calls, so the
			// close cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// SubscribePrefix delivers only events whose Type starts with prefix, e.g.
// "job." for the audit trail. Buses not created by New fall back to an
// unfiltered subscription.
func SubscribePrefix(b Bus, buffer int, prefix string) (<-chan Event, func()) {
	if mb, ok := b.(*memBus); ok {
		return mb.subscribe(buffer, prefix)
	}
	return b.Subscribe(buffer)
}
