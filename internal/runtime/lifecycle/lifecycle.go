// Package lifecycle implements the state machine shared by every stateful
// runtime entity: connectors, receivers, dispatchers, requesters and
// services.
//
// An entity composes a Manager and hands it its Hooks. The Manager validates
// each call against the current state, runs the hooks, delegates the implicit
// sub-transitions itself (Start connects when needed, Stop disconnects,
// Dispose stops a started entity) and counts every successful transition
// exactly once. Invalid calls fail with an IllegalStateError and leave the
// state and counters untouched.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
)

// State is the lifecycle position of an entity.
type State int

const (
	NotInitialised State = iota
	Initialising
	Initialised
	Starting
	Started
	Stopping
	Stopped
	Disposing
	Disposed
)

var stateNames = map[State]string{
	NotInitialised: "not initialised",
	Initialising:   "initialising",
	Initialised:    "initialised",
	Starting:       "starting",
	Started:        "started",
	Stopping:       "stopping",
	Stopped:        "stopped",
	Disposing:      "disposing",
	Disposed:       "disposed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Phase names a single transition.
type Phase string

const (
	PhaseInitialise Phase = "initialise"
	PhaseConnect    Phase = "connect"
	PhaseStart      Phase = "start"
	PhaseStop       Phase = "stop"
	PhaseDisconnect Phase = "disconnect"
	PhaseDispose    Phase = "dispose"
)

// Hook runs the entity-specific side effect of one phase.
type Hook func(ctx context.Context) error

// Hooks holds the optional side effects of each phase. Nil hooks succeed.
type Hooks struct {
	Initialise Hook
	Connect    Hook
	Start      Hook
	Stop       Hook
	Disconnect Hook
	Dispose    Hook
}

// Counts records how many times each phase completed successfully.
type Counts struct {
	Initialise int
	Connect    int
	Start      int
	Stop       int
	Disconnect int
	Dispose    int
}

// Observer is notified after each successful phase, outside the manager lock.
type Observer func(entity string, phase Phase)

// Option customises a Manager.
type Option func(*Manager)

// WithObserver registers an observer for completed phases.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

const keepState State = -1

// Manager tracks the state of one entity and drives its hooks.
type Manager struct {
	entity   string
	hooks    Hooks
	observer Observer

	mu        sync.Mutex
	state     State
	connected bool
	busy      bool
	counts    Counts
}

// NewManager returns a Manager in the NotInitialised state.
func NewManager(entity string, hooks Hooks, opts ...Option) *Manager {
	m := &Manager{
		entity: entity,
		hooks:  hooks,
		state:  NotInitialised,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entity returns the name used in errors and observer callbacks.
func (m *Manager) Entity() string {
	return m.entity
}

// State returns the current state, including transitional states while a
// hook is running.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsStarted() bool {
	return m.State() == Started
}

func (m *Manager) IsDisposed() bool {
	return m.State() == Disposed
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Counts returns a snapshot of the completed-phase counters.
func (m *Manager) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// Initialise moves NotInitialised to Initialised.
func (m *Manager) Initialise(ctx context.Context) error {
	prev, err := m.begin(PhaseInitialise, Initialising, func() bool {
		return m.state == NotInitialised
	})
	if err != nil {
		return err
	}

	if err := m.call(ctx, PhaseInitialise, m.hooks.Initialise); err != nil {
		m.end(prev)
		return err
	}
	m.mark(PhaseInitialise)
	m.end(Initialised)
	m.notify(PhaseInitialise)
	return nil
}

// Connect runs the connect hook on an initialised or stopped entity that is
// not yet connected.
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.begin(PhaseConnect, keepState, func() bool {
		return (m.state == Initialised || m.state == Stopped) && !m.connected
	})
	if err != nil {
		return err
	}

	if err := m.call(ctx, PhaseConnect, m.hooks.Connect); err != nil {
		m.end(keepState)
		return err
	}
	m.mark(PhaseConnect)
	m.end(keepState)
	m.notify(PhaseConnect)
	return nil
}

// Start moves an initialised or stopped entity to Started, connecting it
// first when needed.
func (m *Manager) Start(ctx context.Context) error {
	prev, err := m.begin(PhaseStart, Starting, func() bool {
		return m.state == Initialised || m.state == Stopped
	})
	if err != nil {
		return err
	}

	var fired []Phase
	if !m.IsConnected() {
		if err := m.call(ctx, PhaseConnect, m.hooks.Connect); err != nil {
			m.end(prev)
			return err
		}
		m.mark(PhaseConnect)
		fired = append(fired, PhaseConnect)
	}

	if err := m.call(ctx, PhaseStart, m.hooks.Start); err != nil {
		m.end(prev)
		m.notify(fired...)
		return err
	}
	m.mark(PhaseStart)
	m.end(Started)
	m.notify(append(fired, PhaseStart)...)
	return nil
}

// Stop moves a started entity to Stopped and disconnects it.
func (m *Manager) Stop(ctx context.Context) error {
	_, err := m.begin(PhaseStop, Stopping, func() bool {
		return m.state == Started
	})
	if err != nil {
		return err
	}

	fired, err := m.stopAndDisconnect(ctx)
	m.notify(fired...)
	return err
}

// Disconnect runs the disconnect hook on a connected entity that is not
// started.
func (m *Manager) Disconnect(ctx context.Context) error {
	_, err := m.begin(PhaseDisconnect, keepState, func() bool {
		return m.connected && m.state != Started && m.state != Disposed
	})
	if err != nil {
		return err
	}

	if err := m.call(ctx, PhaseDisconnect, m.hooks.Disconnect); err != nil {
		m.end(keepState)
		return err
	}
	m.mark(PhaseDisconnect)
	m.end(keepState)
	m.notify(PhaseDisconnect)
	return nil
}

// Dispose releases the entity from any state but Disposed. A started entity
// is stopped first and a connected one is disconnected.
func (m *Manager) Dispose(ctx context.Context) error {
	prev, err := m.begin(PhaseDispose, Disposing, func() bool {
		return m.state != Disposed
	})
	if err != nil {
		return err
	}

	var fired []Phase
	switch {
	case prev == Started:
		stopped, err := m.stopAndDisconnect(ctx)
		fired = append(fired, stopped...)
		if err != nil {
			m.notify(fired...)
			return err
		}
	case m.IsConnected():
		if err := m.call(ctx, PhaseDisconnect, m.hooks.Disconnect); err != nil {
			m.end(prev)
			return err
		}
		m.mark(PhaseDisconnect)
		fired = append(fired, PhaseDisconnect)
	}

	if err := m.call(ctx, PhaseDispose, m.hooks.Dispose); err != nil {
		if prev == Started {
			m.end(Stopped)
		} else {
			m.end(prev)
		}
		m.notify(fired...)
		return err
	}
	m.mark(PhaseDispose)
	m.end(Disposed)
	m.notify(append(fired, PhaseDispose)...)
	return nil
}

// stopAndDisconnect runs the stop hook and, when connected, the disconnect
// hook. The caller must hold the busy flag. It always releases it.
func (m *Manager) stopAndDisconnect(ctx context.Context) ([]Phase, error) {
	if err := m.call(ctx, PhaseStop, m.hooks.Stop); err != nil {
		m.end(Started)
		return nil, err
	}
	m.mark(PhaseStop)
	fired := []Phase{PhaseStop}

	if m.IsConnected() {
		if err := m.call(ctx, PhaseDisconnect, m.hooks.Disconnect); err != nil {
			m.end(Stopped)
			return fired, err
		}
		m.mark(PhaseDisconnect)
		fired = append(fired, PhaseDisconnect)
	}
	m.end(Stopped)
	return fired, nil
}

func (m *Manager) begin(phase Phase, transient State, allowed func() bool) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy || !allowed() {
		return m.state, errspkg.NewIllegalStateError(m.entity, string(phase), m.describeLocked())
	}
	prev := m.state
	m.busy = true
	if transient != keepState {
		m.state = transient
	}
	return prev, nil
}

func (m *Manager) end(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state != keepState {
		m.state = state
	}
	m.busy = false
}

func (m *Manager) mark(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch phase {
	case PhaseInitialise:
		m.counts.Initialise++
	case PhaseConnect:
		m.counts.Connect++
		m.connected = true
	case PhaseStart:
		m.counts.Start++
	case PhaseStop:
		m.counts.Stop++
	case PhaseDisconnect:
		m.counts.Disconnect++
		m.connected = false
	case PhaseDispose:
		m.counts.Dispose++
	}
}

func (m *Manager) call(ctx context.Context, phase Phase, hook Hook) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", phase, m.entity, err)
	}
	return nil
}

func (m *Manager) notify(phases ...Phase) {
	if m.observer == nil {
		return
	}
	for _, p := range phases {
		m.observer(m.entity, p)
	}
}

func (m *Manager) describeLocked() string {
	if m.connected && (m.state == Initialised || m.state == Stopped) {
		return m.state.String() + " (connected)"
	}
	return m.state.String()
}
