// Package pool provides a keyed object pool that lends one resource per
// borrower and tracks idle and active instances per key. The connector uses
// it for outbound dispatchers and requesters, keyed by endpoint.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
)

// ErrCleared is returned by Borrow when the pool was drained while the
// instance was being built or activated.
var ErrCleared = errors.New("esbflow: pool drained during borrow")

// Factory builds, activates and destroys pooled instances.
type Factory[K comparable, T comparable] struct {
	// Make builds a new instance for key. Required.
	Make func(ctx context.Context, key K) (T, error)
	// Activate prepares an instance before it is handed out. Optional.
	Activate func(ctx context.Context, key K, obj T) error
	// Destroy releases an instance removed from the pool. Optional.
	Destroy func(ctx context.Context, key K, obj T) error
}

// Config tunes pool limits. Zero values mean unlimited.
type Config struct {
	MaxIdlePerKey int
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Idle    int
	Active  int
	Created uint64
	Reused  uint64
}

// Option customises a KeyedPool.
type Option[K comparable, T comparable] func(*KeyedPool[K, T])

// WithObserver registers a callback invoked with the idle and active counts
// after every change, outside the pool lock.
func WithObserver[K comparable, T comparable](fn func(idle, active int)) Option[K, T] {
	return func(p *KeyedPool[K, T]) {
		p.observer = fn
	}
}

// WithClock overrides the time source used for idle timestamps.
func WithClock[K comparable, T comparable](now func() time.Time) Option[K, T] {
	return func(p *KeyedPool[K, T]) {
		p.now = now
	}
}

type idleEntry[T any] struct {
	obj   T
	since time.Time
}

// KeyedPool lends instances per key. It is safe for concurrent use.
type KeyedPool[K comparable, T comparable] struct {
	factory  Factory[K, T]
	cfg      Config
	now      func() time.Time
	observer func(idle, active int)

	mu        sync.Mutex
	idle      map[K][]idleEntry[T]
	active    map[K]map[T]struct{}
	numIdle   int
	numActive int
	gen       uint64
	created   uint64
	reused    uint64
}

// New creates an empty pool.
func New[K comparable, T comparable](factory Factory[K, T], cfg Config, opts ...Option[K, T]) *KeyedPool[K, T] {
	p := &KeyedPool[K, T]{
		factory: factory,
		cfg:     cfg,
		now:     time.Now,
		idle:    make(map[K][]idleEntry[T]),
		active:  make(map[K]map[T]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Borrow hands out the most recently returned idle instance for key, or
// builds a new one. A failed build or activation leaves the counters as they
// were before the call.
func (p *KeyedPool[K, T]) Borrow(ctx context.Context, key K) (T, error) {
	var zero T

	p.mu.Lock()
	gen := p.gen
	if entries := p.idle[key]; len(entries) > 0 {
		entry := entries[len(entries)-1]
		p.setIdleLocked(key, entries[:len(entries)-1])
		p.mu.Unlock()

		if err := p.activate(ctx, key, entry.obj); err != nil {
			p.mu.Lock()
			if p.gen == gen {
				p.setIdleLocked(key, append(p.idle[key], entry))
				p.mu.Unlock()
			} else {
				p.mu.Unlock()
				_ = p.destroy(ctx, key, entry.obj)
			}
			return zero, errspkg.NewResourceError(keyString(key), err)
		}
		return p.checkout(ctx, key, entry.obj, gen, false)
	}
	p.mu.Unlock()

	if p.factory.Make == nil {
		return zero, errspkg.NewResourceError(keyString(key), errors.New("pool factory has no Make function"))
	}
	obj, err := p.factory.Make(ctx, key)
	if err != nil {
		return zero, errspkg.NewResourceError(keyString(key), err)
	}
	if err := p.activate(ctx, key, obj); err != nil {
		_ = p.destroy(ctx, key, obj)
		return zero, errspkg.NewResourceError(keyString(key), err)
	}
	return p.checkout(ctx, key, obj, gen, true)
}

func (p *KeyedPool[K, T]) checkout(ctx context.Context, key K, obj T, gen uint64, fresh bool) (T, error) {
	var zero T

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		_ = p.destroy(ctx, key, obj)
		return zero, errspkg.NewResourceError(keyString(key), ErrCleared)
	}
	set, ok := p.active[key]
	if !ok {
		set = make(map[T]struct{})
		p.active[key] = set
	}
	set[obj] = struct{}{}
	p.numActive++
	if fresh {
		p.created++
	} else {
		p.reused++
	}
	idle, active := p.numIdle, p.numActive
	p.mu.Unlock()

	p.observe(idle, active)
	return obj, nil
}

// Return moves a borrowed instance back to idle. Instances the pool no longer
// tracks, because they were drained or invalidated, are ignored. When the
// key already holds MaxIdlePerKey idle instances the returned one is
// destroyed.
func (p *KeyedPool[K, T]) Return(ctx context.Context, key K, obj T) error {
	p.mu.Lock()
	if !p.removeActiveLocked(key, obj) {
		p.mu.Unlock()
		return nil
	}

	if p.cfg.MaxIdlePerKey > 0 && len(p.idle[key]) >= p.cfg.MaxIdlePerKey {
		idle, active := p.numIdle, p.numActive
		p.mu.Unlock()
		p.observe(idle, active)
		return p.destroy(ctx, key, obj)
	}

	p.setIdleLocked(key, append(p.idle[key], idleEntry[T]{obj: obj, since: p.now()}))
	idle, active := p.numIdle, p.numActive
	p.mu.Unlock()

	p.observe(idle, active)
	return nil
}

// Invalidate removes a borrowed instance and destroys it.
func (p *KeyedPool[K, T]) Invalidate(ctx context.Context, key K, obj T) error {
	p.mu.Lock()
	if !p.removeActiveLocked(key, obj) {
		p.mu.Unlock()
		return nil
	}
	idle, active := p.numIdle, p.numActive
	p.mu.Unlock()

	p.observe(idle, active)
	return p.destroy(ctx, key, obj)
}

// Clear destroys every idle and active instance. Borrowers still holding an
// instance find it destroyed; their later Return is ignored.
func (p *KeyedPool[K, T]) Clear(ctx context.Context) error {
	type victim struct {
		key K
		obj T
	}

	p.mu.Lock()
	victims := make([]victim, 0, p.numIdle+p.numActive)
	for key, entries := range p.idle {
		for _, e := range entries {
			victims = append(victims, victim{key: key, obj: e.obj})
		}
	}
	for key, set := range p.active {
		for obj := range set {
			victims = append(victims, victim{key: key, obj: obj})
		}
	}
	p.idle = make(map[K][]idleEntry[T])
	p.active = make(map[K]map[T]struct{})
	p.numIdle, p.numActive = 0, 0
	p.gen++
	p.mu.Unlock()

	p.observe(0, 0)

	var err error
	for _, v := range victims {
		err = multierr.Append(err, p.destroy(ctx, v.key, v.obj))
	}
	return err
}

// EvictIdle destroys idle instances that have not been borrowed for longer
// than maxIdle and returns how many were evicted.
func (p *KeyedPool[K, T]) EvictIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	type victim struct {
		key K
		obj T
	}

	cutoff := p.now().Add(-maxIdle)
	var victims []victim

	p.mu.Lock()
	for key, entries := range p.idle {
		kept := entries[:0]
		for _, e := range entries {
			if e.since.Before(cutoff) {
				victims = append(victims, victim{key: key, obj: e.obj})
				continue
			}
			kept = append(kept, e)
		}
		p.setIdleLocked(key, kept)
	}
	idle, active := p.numIdle, p.numActive
	p.mu.Unlock()

	if len(victims) == 0 {
		return 0, nil
	}
	p.observe(idle, active)

	var err error
	for _, v := range victims {
		err = multierr.Append(err, p.destroy(ctx, v.key, v.obj))
	}
	return len(victims), err
}

// NumIdle returns the idle instance count across keys.
func (p *KeyedPool[K, T]) NumIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numIdle
}

// NumActive returns the borrowed instance count across keys.
func (p *KeyedPool[K, T]) NumActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numActive
}

func (p *KeyedPool[K, T]) NumIdleFor(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

func (p *KeyedPool[K, T]) NumActiveFor(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active[key])
}

// Keys lists keys that currently hold idle or active instances.
func (p *KeyedPool[K, T]) Keys() []K {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[K]struct{}, len(p.idle)+len(p.active))
	keys := make([]K, 0, len(seen))
	for key := range p.idle {
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for key := range p.active {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns the pool counters.
func (p *KeyedPool[K, T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:    p.numIdle,
		Active:  p.numActive,
		Created: p.created,
		Reused:  p.reused,
	}
}

func (p *KeyedPool[K, T]) setIdleLocked(key K, entries []idleEntry[T]) {
	p.numIdle += len(entries) - len(p.idle[key])
	if len(entries) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = entries
}

func (p *KeyedPool[K, T]) removeActiveLocked(key K, obj T) bool {
	set, ok := p.active[key]
	if !ok {
		return false
	}
	if _, ok := set[obj]; !ok {
		return false
	}
	delete(set, obj)
	if len(set) == 0 {
		delete(p.active, key)
	}
	p.numActive--
	return true
}

func (p *KeyedPool[K, T]) activate(ctx context.Context, key K, obj T) error {
	if p.factory.Activate == nil {
		return nil
	}
	return p.factory.Activate(ctx, key, obj)
}

func (p *KeyedPool[K, T]) destroy(ctx context.Context, key K, obj T) error {
	if p.factory.Destroy == nil {
		return nil
	}
	return p.factory.Destroy(ctx, key, obj)
}

func (p *KeyedPool[K, T]) observe(idle, active int) {
	if p.observer != nil {
		p.observer(idle, active)
	}
}

func keyString(key any) string {
	if s, ok := key.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(key)
}
