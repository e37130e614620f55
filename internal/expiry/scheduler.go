// Package expiry drives positions to settlement at their expiry time.
//
// Timers are an in-process fast path only. The expiry timestamp is stored
// on every position and the Sweeper rebuilds timers at startup and settles
// anything a lost timer missed, so a restart never strands an open position.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tradepro/options-engine/internal/metrics"
)

// Handler settles one due position.
type Handler func(ctx context.Context, positionID string)

// Scheduler arms one timer per position and hands due ids to a pool of
// workers started by Run.
type Scheduler struct {
	workers int

	mu     sync.Mutex
	seq    uint64
	timers map[string]armed
	due    chan string
	stop   chan struct{}
	once   sync.Once
}

// NewScheduler creates a scheduler that settles with up to workers
// concurrent handler calls.
func NewScheduler(workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		workers: workers,
		timers:  make(map[string]armed),
		due:     make(chan string, 256),
		stop:    make(chan struct{}),
	}
}

type armed struct {
	timer *time.Timer
	seq   uint64
}

// Schedule arms a timer that fires at at. Rescheduling an id replaces its
// existing timer. A time in the past fires immediately.
func (s *Scheduler) Schedule(positionID string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[positionID]; ok {
		old.timer.Stop()
	} else {
		metrics.PendingTimers.Inc()
	}

	s.seq++
	seq := s.seq
	s.timers[positionID] = armed{
		timer: time.AfterFunc(delay, func() { s.fire(positionID, seq) }),
		seq:   seq,
	}
}

// Cancel disarms the timer for positionID, if any.
func (s *Scheduler) Cancel(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.timers[positionID]; ok {
		a.timer.Stop()
		delete(s.timers, positionID)
		metrics.PendingTimers.Dec()
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(positionID string, seq uint64) {
	s.mu.Lock()
	// A replaced timer that fired before Stop took effect is stale.
	if cur, ok := s.timers[positionID]; !ok || cur.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.timers, positionID)
	metrics.PendingTimers.Dec()
	s.mu.Unlock()

	select {
	case s.due <- positionID:
	case <-s.stop:
	}
}

// Run consumes due ids until ctx is cancelled, then disarms all timers.
// Positions whose timers are dropped at shutdown are picked up by the
// Sweeper on the next start.
func (s *Scheduler) Run(ctx context.Context, handle Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-s.due:
					handle(ctx, id)
				}
			}
		}()
	}

	<-ctx.Done()
	s.shutdown()
	wg.Wait()
	slog.Info("expiry scheduler stopped")
	return nil
}

func (s *Scheduler) shutdown() {
	s.once.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	metrics.PendingTimers.Set(0)
}
