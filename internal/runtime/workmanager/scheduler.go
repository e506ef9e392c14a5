package workmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
)

// Task is run by the Scheduler. The context ends when the task is cancelled
// or the scheduler shuts down.
type Task func(ctx context.Context)

// ScheduledTask is a handle to a one-shot or periodic task.
type ScheduledTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops future runs. A run already in progress sees its context end.
func (t *ScheduledTask) Cancel() {
	t.cancel()
}

// Done is closed once the task will never run again.
func (t *ScheduledTask) Done() <-chan struct{} {
	return t.done
}

// Scheduler runs tasks after a delay or at a fixed rate on its clock.
type Scheduler struct {
	name   string
	clock  clock.Clock
	logger loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
	running  int
}

// NewScheduler creates a running Scheduler. A nil clock uses wall time.
func NewScheduler(name string, clk clock.Clock, logger loggingpkg.ServiceLogger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:   name,
		clock:  clk,
		logger: loggingpkg.Scoped(logger, loggingpkg.FieldScheduler, name),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) Name() string {
	return s.name
}

// Schedule runs task once after delay.
func (s *Scheduler) Schedule(delay time.Duration, task Task) (*ScheduledTask, error) {
	// Timers are armed before the goroutine starts so a mock clock advanced
	// right after Schedule returns still fires them.
	timer := s.clock.Timer(delay)
	handle, ctx, err := s.track()
	if err != nil {
		timer.Stop()
		return nil, err
	}

	go func() {
		defer s.untrack(handle)
		select {
		case <-timer.C:
			s.run(ctx, task)
		case <-ctx.Done():
			timer.Stop()
		}
	}()
	return handle, nil
}

// ScheduleAtFixedRate runs task every period, the first run one period
// from now. Runs never overlap: a tick that arrives during a run is skipped.
func (s *Scheduler) ScheduleAtFixedRate(period time.Duration, task Task) (*ScheduledTask, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%s: period must be positive, got %s", s.name, period)
	}
	ticker := s.clock.Ticker(period)
	handle, ctx, err := s.track()
	if err != nil {
		ticker.Stop()
		return nil, err
	}

	go func() {
		defer s.untrack(handle)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(ctx, task)
			case <-ctx.Done():
				return
			}
		}
	}()
	return handle, nil
}

// Shutdown cancels every pending and periodic task. It does not wait for
// running tasks; use AwaitTermination for that.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// IsTerminated reports whether the scheduler is shut down and no task
// goroutine remains.
func (s *Scheduler) IsTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown && s.running == 0
}

// AwaitTermination blocks until every task goroutine has exited or ctx ends.
func (s *Scheduler) AwaitTermination(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) track() (*ScheduledTask, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, nil, fmt.Errorf("%s: %w", s.name, errspkg.ErrSchedulerShutdown)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.running++
	s.wg.Add(1)
	return &ScheduledTask{cancel: cancel, done: make(chan struct{})}, ctx, nil
}

func (s *Scheduler) untrack(t *ScheduledTask) {
	t.cancel()
	close(t.done)
	s.mu.Lock()
	s.running--
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	task(ctx)
}
