package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is how a scheduled task ended
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
)

// SchedulerStats counts task outcomes
type SchedulerStats struct {
	Completed  int64
	Failed     int64
	Superseded int64
}

type scheduled struct {
	gen    uint64
	cancel context.CancelFunc
}

// Scheduler runs background tasks keyed by the entity they work on. Scheduling
// a key that already has a queued or running task cancels the older task, so
// at most one task per key does useful work and it sees the newest state.
type Scheduler struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*scheduled
	gen     uint64
	running int
	idle    chan struct{} // closed while running == 0
	wg      sync.WaitGroup

	completed  atomic.Int64
	failed     atomic.Int64
	superseded atomic.Int64

	// OnDone is called after every task with its outcome
	OnDone func(key string, outcome Outcome, elapsed time.Duration, err error)
}

// NewScheduler creates a scheduler running at most workers tasks at a time
func NewScheduler(workers int, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, workers),
		timeout: timeout,
		logger:  logger,
		tasks:   make(map[string]*scheduled),
		idle:    closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Schedule runs fn for key, superseding any earlier task for the same key
func (s *Scheduler) Schedule(key string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	if prev, ok := s.tasks[key]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.tasks[key] = &scheduled{gen: gen, cancel: cancel}
	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, key, gen, fn)
}

func (s *Scheduler) run(ctx context.Context, key string, gen uint64, fn func(ctx context.Context) error) {
	defer s.wg.Done()
	defer s.release(key, gen)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.finish(key, OutcomeSuperseded, 0, nil)
		return
	}
	defer func() { <-s.sem }()

	if ctx.Err() != nil {
		s.finish(key, OutcomeSuperseded, 0, nil)
		return
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.call(ctx, fn)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.finish(key, OutcomeCompleted, elapsed, nil)
	case errors.Is(err, context.Canceled) && (s.ctx.Err() != nil || !s.current(key, gen)):
		s.finish(key, OutcomeSuperseded, elapsed, err)
	default:
		s.finish(key, OutcomeFailed, elapsed, err)
	}
}

func (s *Scheduler) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx)
}

type panicError struct{ value interface{} }

func (e *panicError) Error() string { return fmt.Sprintf("task panicked: %v", e.value) }

// current reports whether gen is still the newest task for key
func (s *Scheduler) current(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	return ok && t.gen == gen
}

func (s *Scheduler) release(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok && t.gen == gen {
		t.cancel()
		delete(s.tasks, key)
	}
	s.running--
	if s.running == 0 {
		close(s.idle)
	}
}

func (s *Scheduler) finish(key string, outcome Outcome, elapsed time.Duration, err error) {
	switch outcome {
	case OutcomeCompleted:
		s.completed.Add(1)
	case OutcomeSuperseded:
		s.superseded.Add(1)
		s.logger.Debug("background task superseded", "key", key)
	case OutcomeFailed:
		s.failed.Add(1)
		s.logger.Warn("background task failed", "key", key, "error", err)
	}
	if s.OnDone != nil {
		s.OnDone(key, outcome, elapsed, err)
	}
}

// Pending returns the number of queued or running tasks
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stats returns outcome counters
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Superseded: s.superseded.Load(),
	}
}

// Drain waits until every scheduled task has finished or ctx is done
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all tasks and waits for them to return
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
