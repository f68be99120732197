package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360/permstream/errors"
)

type scheduledJob struct {
	period time.Duration
	fn     func(context.Context) error
}

// FakeScheduler implements platform.Scheduler in memory. Jobs never run on a
// timer; tests drive them through TriggerNow.
type FakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduledJob

	// ScheduleCalls counts SchedulePeriodic invocations per job name, so
	// tests can verify re-registration on config changes.
	ScheduleCalls map[string]int
}

// NewFakeScheduler creates an empty fake scheduler.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{
		jobs:          make(map[string]scheduledJob),
		ScheduleCalls: make(map[string]int),
	}
}

// SchedulePeriodic implements platform.Scheduler.
func (s *FakeScheduler) SchedulePeriodic(name string, period time.Duration, job func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = scheduledJob{period: period, fn: job}
	s.ScheduleCalls[name]++
	return nil
}

// TriggerNow implements platform.Scheduler.
func (s *FakeScheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.ErrNotStarted
	}
	return job.fn(ctx)
}

// Cancel implements platform.Scheduler.
func (s *FakeScheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	return nil
}

// Period returns the registered period of a job, or zero when absent.
func (s *FakeScheduler) Period(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[name].period
}

// Registered reports whether a job is currently scheduled.
func (s *FakeScheduler) Registered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}
