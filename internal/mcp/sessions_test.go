package mcp

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/browser-relay/internal/testutil"
	"github.com/standardbeagle/browser-relay/pkg/events"
)

func newTestManager(t *testing.T) (*SessionManager, clockwork.FakeClock, *events.EventBus) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewEventBus(nil)
	t.Cleanup(bus.Shutdown)
	srv := server.NewMCPServer("test", "1.0")
	return NewSessionManager(srv, bus, clock, nil), clock, bus
}

func TestSessionManagerLifecycle(t *testing.T) {
	sm, clock, bus := newTestManager(t)

	var mu sync.Mutex
	var seen []events.EventType
	bus.SubscribeAll(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}, events.SessionOpened, events.SessionClosed)

	var opened, closed []string
	var lifetimes []time.Duration
	sm.SetCallbacks(
		func(id string) { opened = append(opened, id) },
		func(id string, lifetime time.Duration) {
			closed = append(closed, id)
			lifetimes = append(lifetimes, lifetime)
		},
	)

	tr, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{tr.SessionID()}, opened)
	assert.Equal(t, 1, sm.Len())

	clock.Advance(time.Minute)
	require.NoError(t, sm.Close(tr.SessionID()))
	assert.True(t, tr.Closed())
	assert.Zero(t, sm.Len())
	assert.Equal(t, []string{tr.SessionID()}, closed)
	assert.Equal(t, []time.Duration{time.Minute}, lifetimes)

	tr.Close()
	assert.Len(t, closed, 1, "close callback runs once")
	assert.ErrorIs(t, sm.Close(tr.SessionID()), ErrSessionNotFound)

	testutil.WaitForCount(t, time.Second, func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}, 2)
}

func TestSessionLookupCanonicalID(t *testing.T) {
	sm, _, _ := newTestManager(t)

	tr, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)

	for _, variant := range []string{tr.SessionID(), strings.ToUpper(tr.SessionID())} {
		got, err := sm.Lookup(variant)
		require.NoError(t, err)
		assert.Same(t, tr, got)
		assert.Equal(t, tr.SessionID(), got.SessionID())
	}

	_, err = sm.Lookup("")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = sm.Lookup(tr.SessionID() + "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTransportCloseCancelsBoundContexts(t *testing.T) {
	sm, _, _ := newTestManager(t)
	tr, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)

	ctx, cancel := tr.bind(context.Background())
	defer cancel()

	tr.Close()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("request context survived session close")
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("transport not done")
	}
}

func TestReaperRunsOnTicker(t *testing.T) {
	sm, clock, _ := newTestManager(t)
	_, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sm.RunReaper(ctx, time.Minute, 5*time.Minute)

	clock.BlockUntil(1)
	clock.Advance(6 * time.Minute)
	testutil.WaitForCount(t, time.Second, sm.Len, 0)
}

func TestReaperSparesStreamingSessions(t *testing.T) {
	sm, clock, _ := newTestManager(t)
	streaming, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)
	idle, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)
	require.True(t, streaming.claimStream())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, sm.CleanupInactiveSessions(30*time.Minute))
	assert.True(t, idle.Closed())
	assert.False(t, streaming.Closed())

	streaming.releaseStream()
	assert.Equal(t, 1, sm.CleanupInactiveSessions(30*time.Minute))
}

func TestCloseAll(t *testing.T) {
	sm, _, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := sm.HandleInitialize(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, sm.CloseAll())
	assert.Zero(t, sm.Len())
	assert.Empty(t, sm.Sessions())
}

func TestTransportLogLevel(t *testing.T) {
	sm, _, _ := newTestManager(t)
	tr, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, tr.GetLogLevel())
	assert.False(t, tr.Accepts(mcplib.LoggingLevelDebug))
	assert.True(t, tr.Accepts(mcplib.LoggingLevelInfo))

	tr.SetLogLevel(mcplib.LoggingLevelError)
	assert.False(t, tr.Accepts(mcplib.LoggingLevelWarning))
	assert.True(t, tr.Accepts(mcplib.LoggingLevelError))
	assert.True(t, tr.Accepts(mcplib.LoggingLevelEmergency))
	assert.True(t, tr.Accepts(mcplib.LoggingLevel("custom")))
}

func TestLogMessageSkipsUninitializedSessions(t *testing.T) {
	sm, _, _ := newTestManager(t)
	pending, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)
	ready, err := sm.HandleInitialize(context.Background())
	require.NoError(t, err)
	ready.Initialize()

	assert.Equal(t, 1, sm.LogMessage(mcplib.LoggingLevelWarning, map[string]any{"level": "warning"}))
	assert.Len(t, ready.notifications, 1)
	assert.Len(t, pending.notifications, 0)

	ready.SetLogLevel(mcplib.LoggingLevelCritical)
	assert.Zero(t, sm.LogMessage(mcplib.LoggingLevelWarning, map[string]any{"level": "warning"}))
}

func TestAcceptParsing(t *testing.T) {
	assert.True(t, accepts("application/json, text/event-stream", "application/json", "text/event-stream"))
	assert.True(t, accepts("text/event-stream;q=0.9, application/json", "application/json", "text/event-stream"))
	assert.False(t, accepts("*/*", "application/json"))
	assert.False(t, accepts("application/json", "application/json", "text/event-stream"))
}
