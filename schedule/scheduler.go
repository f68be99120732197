// Package schedule is an in-process implementation of platform.Scheduler: a
// ticker loop per registered job, immediate triggers out of band, and a join
// barrier on shutdown. Periods survive re-registration, not process restarts;
// persistence lives with the system of record's job store.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/permstream/errors"
)

type job struct {
	name   string
	period time.Duration
	fn     func(context.Context) error
	cancel context.CancelFunc
}

// Scheduler runs registered jobs on their periods. Safe for concurrent use.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool

	wg sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// SchedulePeriodic implements platform.Scheduler. Re-registering a name
// replaces the previous schedule; the first run happens one period from now.
func (s *Scheduler) SchedulePeriodic(name string, period time.Duration, fn func(context.Context) error) error {
	if period <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Scheduler", "SchedulePeriodic", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.ErrShuttingDown
	}
	if old, ok := s.jobs[name]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{name: name, period: period, fn: fn, cancel: cancel}
	s.jobs[name] = j

	s.wg.Add(1)
	go s.run(ctx, j)
	return nil
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.fn(ctx); err != nil {
				s.logger.Error("scheduled job failed", "job", j.name, "error", err)
			}
		}
	}
}

// TriggerNow implements platform.Scheduler. The job runs synchronously on the
// calling goroutine, outside its periodic cadence.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.Wrap(errors.ErrNotStarted, "Scheduler", "TriggerNow", name)
	}
	return j.fn(ctx)
}

// Cancel implements platform.Scheduler. Canceling an unknown job is a no-op.
func (s *Scheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		j.cancel()
		delete(s.jobs, name)
	}
	return nil
}

// Stop cancels every job and waits for in-flight runs to finish, up to the
// timeout.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.ErrAlreadyStopped
	}
	s.stopped = true
	for _, j := range s.jobs {
		j.cancel()
	}
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		s.logger.Warn("scheduler shutdown timeout", "timeout", timeout)
		return nil
	}
}

// Registered reports whether a job is currently scheduled.
func (s *Scheduler) Registered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}
