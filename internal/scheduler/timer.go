// Package scheduler provides the delayed-execution backends the teleport
// engine runs warmups on: in-process timers and Google Cloud Tasks.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/waypoint/backend/internal/teleport"
)

// ErrSchedulerClosed is returned by Schedule after Shutdown.
var ErrSchedulerClosed = errors.New("scheduler: closed")

// TimerScheduler fires runnables from time.AfterFunc. A runnable is claimed
// exactly once, either by its timer firing, by Stop, or by Shutdown.
type TimerScheduler struct {
	mu      sync.Mutex
	seq     uint64
	entries map[uint64]*timerEntry
	closed  bool
	logger  *log.Logger
}

type timerEntry struct {
	id    uint64
	s     *TimerScheduler
	timer *time.Timer
	r     teleport.Runnable
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{
		entries: make(map[uint64]*timerEntry),
		logger:  log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

// Schedule runs r after delay. The run gets a context detached from ctx's
// cancellation, since ctx usually belongs to the request that scheduled it.
func (s *TimerScheduler) Schedule(ctx context.Context, delay time.Duration, r teleport.Runnable) (teleport.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}

	s.seq++
	e := &timerEntry{id: s.seq, s: s, r: r}
	s.entries[e.id] = e

	runCtx := context.WithoutCancel(ctx)
	e.timer = time.AfterFunc(delay, func() {
		if s.claim(e.id) {
			r.Run(runCtx)
		}
	})
	return e, nil
}

func (s *TimerScheduler) claim(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Stop prevents the runnable from firing. It reports false when the timer
// already fired or was stopped.
func (e *timerEntry) Stop() bool {
	if !e.s.claim(e.id) {
		return false
	}
	e.timer.Stop()
	return true
}

// Len returns the number of runnables waiting to fire.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Shutdown stops every timer and cancels the runnables that never fired.
func (s *TimerScheduler) Shutdown(ctx context.Context) int {
	s.mu.Lock()
	s.closed = true
	pending := make([]*timerEntry, 0, len(s.entries))
	for id, e := range s.entries {
		pending = append(pending, e)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, e := range pending {
		e.timer.Stop()
		e.r.Cancel(ctx)
	}
	if len(pending) > 0 {
		s.logger.Printf("Cancelled %d scheduled runs on shutdown", len(pending))
	}
	return len(pending)
}
