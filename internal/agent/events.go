package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
)

// EventStream is a typed FIFO of AgentEvents for one run. The loop pushes
// synchronously; one consumer iterates with Next; registered subscribers
// are additionally invoked inline on every push. There is no replay: a
// subscriber registered after an event was pushed never sees it.
type EventStream struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue []models.AgentEvent
	ended bool

	subscribers map[int]func(models.AgentEvent)
	nextSubID   int
}

// NewEventStream creates an empty stream.
func NewEventStream() *EventStream {
	s := &EventStream{subscribers: make(map[int]func(models.AgentEvent))}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push enqueues an event and delivers it synchronously to every
// subscriber. Subscriber panics are swallowed so one listener cannot
// break the run or its peers.
func (s *EventStream) Push(event models.AgentEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	listeners := make([]func(models.AgentEvent), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		listeners = append(listeners, fn)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, fn := range listeners {
		deliver(fn, event)
	}
}

// End marks the stream complete. Push becomes a no-op and Next drains the
// remaining queue then reports closure.
func (s *EventStream) End() {
	s.mu.Lock()
	s.ended = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Next blocks for the next event. ok is false once the stream has ended
// and the queue is drained.
func (s *EventStream) Next() (event models.AgentEvent, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.ended {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return models.AgentEvent{}, false
	}
	event = s.queue[0]
	s.queue = s.queue[1:]
	return event, true
}

// Drain returns all currently queued events without blocking.
func (s *EventStream) Drain() []models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Subscribe registers a listener called synchronously for each event
// pushed after registration. The returned function unsubscribes.
func (s *EventStream) Subscribe(listener func(models.AgentEvent)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func deliver(fn func(models.AgentEvent), event models.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event subscriber panicked", "event", event.Type, "panic", r)
		}
	}()
	fn(event)
}
