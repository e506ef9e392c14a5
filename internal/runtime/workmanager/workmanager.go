// Package workmanager provides the bounded executors a connector dedicates
// to receiving, dispatching and requesting, plus a clock-driven scheduler.
package workmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/esbflow/internal/runtime/logging"
)

const (
	DefaultThreads         = 16
	DefaultShutdownTimeout = 5 * time.Second
)

// Work is a unit of work run on a work manager goroutine. The context is
// cancelled when the manager shuts down.
type Work func(ctx context.Context) error

// Config sizes a WorkManager. Zero values fall back to defaults.
type Config struct {
	Threads         int
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = DefaultThreads
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Option customises a WorkManager.
type Option func(*WorkManager)

// WithErrorHandler receives errors returned by work submitted through
// ScheduleWork.
func WithErrorHandler(fn func(error)) Option {
	return func(w *WorkManager) {
		w.onError = fn
	}
}

// WithActiveObserver is called with the in-flight count whenever it changes.
func WithActiveObserver(fn func(active int)) Option {
	return func(w *WorkManager) {
		w.onActive = fn
	}
}

// WorkManager runs work on at most Config.Threads goroutines at a time.
type WorkManager struct {
	name     string
	cfg      Config
	logger   loggingpkg.ServiceLogger
	slots    *semaphore.Weighted
	onError  func(error)
	onActive func(int)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
	active   int
	epoch    uint64
}

// New creates a running WorkManager.
func New(name string, cfg Config, logger loggingpkg.ServiceLogger, opts ...Option) *WorkManager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &WorkManager{
		name:   name,
		cfg:    cfg,
		logger: loggingpkg.Scoped(logger, loggingpkg.FieldWorkManager, name),
		slots:  semaphore.NewWeighted(int64(cfg.Threads)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WorkManager) Name() string {
	return w.name
}

// Active returns the number of work items accounted as in flight.
func (w *WorkManager) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *WorkManager) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

// DoWork runs work on a worker and waits for its result. If ctx ends first
// DoWork returns ctx.Err() and the work keeps its own cancelled context.
func (w *WorkManager) DoWork(ctx context.Context, work Work) error {
	release, err := w.acquire(ctx)
	if err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.ctx, cancel)

	done := make(chan error, 1)
	go func() {
		defer release()
		defer stop()
		defer cancel()
		done <- w.run(workCtx, work)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleWork returns once a worker slot is taken; the work runs
// asynchronously and its error goes to the error handler.
func (w *WorkManager) ScheduleWork(ctx context.Context, work Work) error {
	release, err := w.acquire(ctx)
	if err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(w.ctx, cancel)

	go func() {
		defer release()
		defer stop()
		defer cancel()
		if err := w.run(workCtx, work); err != nil {
			w.handleError(err)
		}
	}()
	return nil
}

// Shutdown refuses new work and waits for in-flight work up to the
// configured grace period or until ctx ends. Work still running afterwards
// is cancelled and abandoned: it no longer counts as active and
// ErrWorkAbandoned is returned.
func (w *WorkManager) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return nil
	}
	w.shutdown = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		w.cancel()
		w.logger.Debug("Work manager shut down", nil)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	w.cancel()
	w.mu.Lock()
	abandoned := w.active
	w.active = 0
	w.epoch++
	w.mu.Unlock()
	w.observe(0)

	w.logger.Info("Work manager abandoned in-flight work", loggingpkg.LogFields{"abandoned": abandoned})
	return fmt.Errorf("%s: %d in flight: %w", w.name, abandoned, errspkg.ErrWorkAbandoned)
}

func (w *WorkManager) acquire(ctx context.Context) (func(), error) {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", w.name, errspkg.ErrWorkManagerShutdown)
	}
	w.wg.Add(1)
	w.mu.Unlock()

	// Waiting for a slot ends when the manager is cancelled.
	waitCtx, cancelWait := context.WithCancel(ctx)
	stopWait := context.AfterFunc(w.ctx, cancelWait)
	err := w.slots.Acquire(waitCtx, 1)
	stopWait()
	cancelWait()
	if err != nil {
		w.wg.Done()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", w.name, errspkg.ErrWorkManagerShutdown)
	}

	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		w.slots.Release(1)
		w.wg.Done()
		return nil, fmt.Errorf("%s: %w", w.name, errspkg.ErrWorkManagerShutdown)
	}
	epoch := w.epoch
	w.active++
	active := w.active
	w.mu.Unlock()
	w.observe(active)

	return func() {
		w.slots.Release(1)
		w.mu.Lock()
		counted := epoch == w.epoch
		if counted {
			w.active--
		}
		active := w.active
		w.mu.Unlock()
		if counted {
			w.observe(active)
		}
		w.wg.Done()
	}, nil
}

func (w *WorkManager) run(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: work panicked: %v", w.name, r)
		}
	}()
	return work(ctx)
}

func (w *WorkManager) handleError(err error) {
	if w.onError != nil {
		w.onError(err)
		return
	}
	w.logger.Error("Scheduled work failed", err, nil)
}

func (w *WorkManager) observe(active int) {
	if w.onActive != nil {
		w.onActive(active)
	}
}
