// Package lanes provides two-level FIFO admission control for agent runs.
//
// A run is admitted only after acquiring a slot in its session lane
// (concurrency 1) and then a slot in the global lane. Session first, so a
// saturated global lane cannot starve a session whose turn has come.
package lanes

import (
	"context"
	"sync"
)

// DefaultGlobalConcurrency bounds concurrent runs across all sessions.
const DefaultGlobalConcurrency = 4

// lane is a FIFO semaphore. Waiters are granted slots in strict enqueue
// order; a released slot is handed directly to the oldest waiter.
type lane struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func newLane(capacity int) *lane {
	if capacity <= 0 {
		capacity = 1
	}
	return &lane{capacity: capacity}
}

func (l *lane) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.inUse < l.capacity && len(l.waiters) == 0 {
		l.inUse++
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := false
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				removed = true
				break
			}
		}
		l.mu.Unlock()
		if !removed {
			// The slot was granted concurrently with cancellation.
			l.release()
		}
		return ctx.Err()
	}
}

func (l *lane) release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		ch := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(ch)
		return
	}
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

func (l *lane) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse == 0 && len(l.waiters) == 0
}

// Scheduler admits runs through per-session lanes and a shared global lane.
// It is safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	global   *lane
	sessions map[string]*lane
}

// NewScheduler creates a scheduler with the given global concurrency cap.
// A cap <= 0 uses DefaultGlobalConcurrency.
func NewScheduler(globalConcurrency int) *Scheduler {
	if globalConcurrency <= 0 {
		globalConcurrency = DefaultGlobalConcurrency
	}
	return &Scheduler{
		global:   newLane(globalConcurrency),
		sessions: make(map[string]*lane),
	}
}

// Acquire blocks until both the session lane and the global lane admit the
// caller, or ctx is cancelled. The returned release function must be
// called; calls after the first are no-ops.
func (s *Scheduler) Acquire(ctx context.Context, sessionKey string) (func(), error) {
	session := s.sessionLane(sessionKey)

	if err := session.acquire(ctx); err != nil {
		s.reap(sessionKey, session)
		return nil, err
	}
	if err := s.global.acquire(ctx); err != nil {
		session.release()
		s.reap(sessionKey, session)
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.global.release()
			session.release()
			s.reap(sessionKey, session)
		})
	}
	return release, nil
}

// TryAcquire admits the caller only if both lanes have a free slot right
// now. Used to reject operations that must not wait behind an active run.
func (s *Scheduler) TryAcquire(sessionKey string) (func(), bool) {
	session := s.sessionLane(sessionKey)

	session.mu.Lock()
	if session.inUse >= session.capacity || len(session.waiters) > 0 {
		session.mu.Unlock()
		s.reap(sessionKey, session)
		return nil, false
	}
	session.inUse++
	session.mu.Unlock()

	s.global.mu.Lock()
	if s.global.inUse >= s.global.capacity || len(s.global.waiters) > 0 {
		s.global.mu.Unlock()
		session.release()
		s.reap(sessionKey, session)
		return nil, false
	}
	s.global.inUse++
	s.global.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.global.release()
			session.release()
			s.reap(sessionKey, session)
		})
	}
	return release, true
}

// InFlight returns the number of runs currently holding a global slot.
func (s *Scheduler) InFlight() int {
	s.global.mu.Lock()
	defer s.global.mu.Unlock()
	return s.global.inUse
}

func (s *Scheduler) sessionLane(sessionKey string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessions[sessionKey]
	if !ok {
		l = newLane(1)
		s.sessions[sessionKey] = l
	}
	return l
}

// reap drops a session lane once it is idle so the lane table does not
// grow with every session key ever seen.
func (s *Scheduler) reap(sessionKey string, l *lane) {
	if !l.idle() {
		return
	}
	s.mu.Lock()
	if current, ok := s.sessions[sessionKey]; ok && current == l && l.idle() {
		delete(s.sessions, sessionKey)
	}
	s.mu.Unlock()
}
