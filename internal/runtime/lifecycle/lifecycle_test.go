package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
)

type hookCalls struct {
	order []Phase
}

func (h *hookCalls) hooks() Hooks {
	record := func(p Phase) Hook {
		return func(context.Context) error {
			h.order = append(h.order, p)
			return nil
		}
	}
	return Hooks{
		Initialise: record(PhaseInitialise),
		Connect:    record(PhaseConnect),
		Start:      record(PhaseStart),
		Stop:       record(PhaseStop),
		Disconnect: record(PhaseDisconnect),
		Dispose:    record(PhaseDispose),
	}
}

func newInitialised(t *testing.T) (*Manager, *hookCalls) {
	t.Helper()
	calls := &hookCalls{}
	m := NewManager("connector test", calls.hooks())
	require.NoError(t, m.Initialise(context.Background()))
	return m, calls
}

func TestDoubleInitialise(t *testing.T) {
	m, _ := newInitialised(t)

	assert.Equal(t, Counts{Initialise: 1}, m.Counts())

	err := m.Initialise(context.Background())
	require.Error(t, err)
	assert.True(t, errspkg.IsIllegalState(err))
	assert.Equal(t, Counts{Initialise: 1}, m.Counts())
	assert.Equal(t, Initialised, m.State())
}

func TestDoubleStart(t *testing.T) {
	m, calls := newInitialised(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, Counts{Initialise: 1, Connect: 1, Start: 1}, m.Counts())
	assert.True(t, m.IsStarted())
	assert.True(t, m.IsConnected())
	assert.Equal(t, []Phase{PhaseInitialise, PhaseConnect, PhaseStart}, calls.order)

	err := m.Start(ctx)
	require.Error(t, err)
	assert.True(t, errspkg.IsIllegalState(err))
	assert.Equal(t, Counts{Initialise: 1, Connect: 1, Start: 1}, m.Counts())
}

func TestDoubleStop(t *testing.T) {
	m, _ := newInitialised(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	want := Counts{Initialise: 1, Connect: 1, Start: 1, Stop: 1, Disconnect: 1}
	assert.Equal(t, want, m.Counts())
	assert.False(t, m.IsStarted())
	assert.False(t, m.IsConnected())

	err := m.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errspkg.IsIllegalState(err))
	assert.Equal(t, want, m.Counts())
}

func TestDisposeAfterStartStop(t *testing.T) {
	m, _ := newInitialised(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Dispose(ctx))

	want := Counts{Initialise: 1, Connect: 1, Start: 1, Stop: 1, Disconnect: 1, Dispose: 1}
	assert.Equal(t, want, m.Counts())

	err := m.Dispose(ctx)
	require.Error(t, err)
	assert.True(t, errspkg.IsIllegalState(err))
	assert.Equal(t, want, m.Counts())
}

func TestDisposeStartedStopsFirst(t *testing.T) {
	m, calls := newInitialised(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Dispose(ctx))

	assert.Equal(t, Counts{Initialise: 1, Connect: 1, Start: 1, Stop: 1, Disconnect: 1, Dispose: 1}, m.Counts())
	assert.Equal(t, []Phase{
		PhaseInitialise, PhaseConnect, PhaseStart, PhaseStop, PhaseDisconnect, PhaseDispose,
	}, calls.order)
	assert.True(t, m.IsDisposed())

	require.Error(t, m.Dispose(ctx))
	assert.Equal(t, 1, m.Counts().Dispose)
}

func TestDisposeInitialisedOnly(t *testing.T) {
	m, _ := newInitialised(t)

	require.NoError(t, m.Dispose(context.Background()))
	assert.Equal(t, Counts{Initialise: 1, Dispose: 1}, m.Counts())
}

func TestStartStopStartDispose(t *testing.T) {
	m, _ := newInitialised(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Dispose(ctx))

	assert.Equal(t, Counts{
		Initialise: 1,
		Connect:    2,
		Start:      2,
		Stop:       2,
		Disconnect: 2,
		Dispose:    1,
	}, m.Counts())
}

func TestStartRequiresInitialise(t *testing.T) {
	m := NewManager("receiver in", Hooks{})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errspkg.IsIllegalState(err))
	assert.Equal(t, Counts{}, m.Counts())
}

func TestExplicitConnectAndDisconnect(t *testing.T) {
	m, _ := newInitialised(t)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	assert.True(t, m.IsConnected())
	require.Error(t, m.Connect(ctx))

	// Start reuses the existing connection.
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, 1, m.Counts().Connect)

	require.Error(t, m.Disconnect(ctx), "disconnect is not allowed while started")

	require.NoError(t, m.Stop(ctx))
	require.Error(t, m.Disconnect(ctx), "stop already disconnected")

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, Counts{Initialise: 1, Connect: 2, Start: 1, Stop: 1, Disconnect: 2}, m.Counts())
}

func TestDisposeConnectedDisconnects(t *testing.T) {
	m, _ := newInitialised(t)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Dispose(ctx))
	assert.Equal(t, Counts{Initialise: 1, Connect: 1, Disconnect: 1, Dispose: 1}, m.Counts())
	assert.False(t, m.IsConnected())
}

func TestFailedHookLeavesStateAndCounts(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager("dispatcher out", Hooks{
		Start: func(context.Context) error { return boom },
	})
	ctx := context.Background()
	require.NoError(t, m.Initialise(ctx))

	err := m.Start(ctx)
	require.ErrorIs(t, err, boom)
	assert.False(t, errspkg.IsIllegalState(err))
	assert.Equal(t, Initialised, m.State())
	// The implicit connect succeeded and is counted on its own.
	assert.Equal(t, Counts{Initialise: 1, Connect: 1}, m.Counts())
	assert.True(t, m.IsConnected())
}

func TestFailedStopKeepsStarted(t *testing.T) {
	boom := errors.New("boom")
	fail := true
	m := NewManager("connector test", Hooks{
		Stop: func(context.Context) error {
			if fail {
				return boom
			}
			return nil
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Initialise(ctx))
	require.NoError(t, m.Start(ctx))

	require.ErrorIs(t, m.Dispose(ctx), boom)
	assert.Equal(t, Started, m.State())
	assert.Equal(t, 0, m.Counts().Stop)
	assert.Equal(t, 0, m.Counts().Dispose)

	fail = false
	require.NoError(t, m.Dispose(ctx))
	assert.Equal(t, Disposed, m.State())
}

func TestHookSeesTransitionalState(t *testing.T) {
	var m *Manager
	var seen State
	m = NewManager("service flow", Hooks{
		Start: func(context.Context) error {
			seen = m.State()
			return nil
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Initialise(ctx))
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, Starting, seen)
}

func TestReentrantCallIsIllegal(t *testing.T) {
	var m *Manager
	var inner error
	m = NewManager("connector test", Hooks{
		Start: func(ctx context.Context) error {
			inner = m.Stop(ctx)
			return nil
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Initialise(ctx))
	require.NoError(t, m.Start(ctx))
	assert.True(t, errspkg.IsIllegalState(inner))
}

func TestObserver(t *testing.T) {
	var phases []Phase
	m := NewManager("connector test", Hooks{}, WithObserver(func(entity string, p Phase) {
		assert.Equal(t, "connector test", entity)
		phases = append(phases, p)
	}))
	ctx := context.Background()

	require.NoError(t, m.Initialise(ctx))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Dispose(ctx))

	assert.Equal(t, []Phase{
		PhaseInitialise, PhaseConnect, PhaseStart, PhaseStop, PhaseDisconnect, PhaseDispose,
	}, phases)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not initialised", NotInitialised.String())
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "state(42)", State(42).String())
}
