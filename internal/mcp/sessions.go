package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/browser-relay/pkg/events"
)

// DefaultIdleTimeout is how long a session may go without requests before it
// is reaped
const DefaultIdleTimeout = 30 * time.Minute

// ErrSessionNotFound is returned for IDs that match no open session
var ErrSessionNotFound = errors.New("session not found")

// SessionInfo is a snapshot of one session for status output
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Initialized  bool      `json:"initialized"`
	Streaming    bool      `json:"streaming"`
}

// SessionManager maps session IDs to transports. Lookups ignore case and
// always yield the canonical ID issued at initialize.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Transport
	folded   map[string]string // lower-cased ID -> canonical ID

	mcp    *server.MCPServer
	bus    *events.EventBus
	clock  clockwork.Clock
	logger *slog.Logger

	onOpen  []func(id string)
	onClose []func(id string, lifetime time.Duration)
}

// NewSessionManager creates a session manager whose transports are registered
// with srv. bus may be nil.
func NewSessionManager(srv *server.MCPServer, bus *events.EventBus, clock clockwork.Clock, logger *slog.Logger) *SessionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*Transport),
		folded:   make(map[string]string),
		mcp:      srv,
		bus:      bus,
		clock:    clock,
		logger:   logger.With("component", "sessions"),
	}
}

// SetCallbacks registers hooks run when sessions open and close
func (sm *SessionManager) SetCallbacks(onOpen func(id string), onClose func(id string, lifetime time.Duration)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if onOpen != nil {
		sm.onOpen = append(sm.onOpen, onOpen)
	}
	if onClose != nil {
		sm.onClose = append(sm.onClose, onClose)
	}
}

// HandleInitialize creates a session with a fresh ID and its transport.
// Closing the transport removes the session.
func (sm *SessionManager) HandleInitialize(ctx context.Context) (*Transport, error) {
	id := uuid.New().String()
	t := newTransport(id, sm.clock.Now(), sm.remove)

	sm.mu.Lock()
	if _, exists := sm.sessions[id]; exists {
		sm.mu.Unlock()
		return nil, errors.New("session ID collision")
	}
	sm.sessions[id] = t
	sm.folded[strings.ToLower(id)] = id
	hooks := sm.onOpen
	sm.mu.Unlock()

	if sm.mcp != nil {
		if err := sm.mcp.RegisterSession(ctx, t); err != nil {
			t.Close()
			return nil, err
		}
	}

	sm.logger.Info("Session opened", "session", id)
	for _, fn := range hooks {
		fn(id)
	}
	sm.publish(events.SessionOpened, id, nil)
	return t, nil
}

// Lookup resolves id, ignoring case, to its transport
func (sm *SessionManager) Lookup(id string) (*Transport, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if t, ok := sm.sessions[id]; ok {
		return t, nil
	}
	if canonical, ok := sm.folded[strings.ToLower(id)]; ok {
		return sm.sessions[canonical], nil
	}
	return nil, ErrSessionNotFound
}

// Close closes the session's transport, which removes it
func (sm *SessionManager) Close(id string) error {
	t, err := sm.Lookup(id)
	if err != nil {
		return err
	}
	t.Close()
	return nil
}

// remove is the transport close callback
func (sm *SessionManager) remove(t *Transport) {
	sm.mu.Lock()
	if cur, ok := sm.sessions[t.id]; !ok || cur != t {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, t.id)
	delete(sm.folded, strings.ToLower(t.id))
	hooks := sm.onClose
	sm.mu.Unlock()

	if sm.mcp != nil {
		sm.mcp.UnregisterSession(context.Background(), t.id)
	}

	lifetime := sm.clock.Since(t.createdAt)
	sm.logger.Info("Session closed", "session", t.id, "lifetime", lifetime)
	for _, fn := range hooks {
		fn(t.id, lifetime)
	}
	sm.publish(events.SessionClosed, t.id, map[string]interface{}{"lifetime": lifetime.String()})
}

// Len returns the number of open sessions
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Sessions lists open sessions, oldest first
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.RLock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, t := range sm.sessions {
		out = append(out, SessionInfo{
			ID:           t.id,
			CreatedAt:    t.createdAt,
			LastActivity: t.LastActivity(),
			Initialized:  t.Initialized(),
			Streaming:    t.Streaming(),
		})
	}
	sm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CleanupInactiveSessions closes sessions idle for longer than maxInactivity.
// A session holding an open GET stream is never idle.
func (sm *SessionManager) CleanupInactiveSessions(maxInactivity time.Duration) int {
	now := sm.clock.Now()

	sm.mu.RLock()
	var stale []*Transport
	for _, t := range sm.sessions {
		if !t.Streaming() && now.Sub(t.LastActivity()) > maxInactivity {
			stale = append(stale, t)
		}
	}
	sm.mu.RUnlock()

	for _, t := range stale {
		sm.logger.Info("Reaping idle session", "session", t.id, "idle", now.Sub(t.LastActivity()))
		t.Close()
	}
	return len(stale)
}

// RunReaper closes idle sessions every interval until ctx ends
func (sm *SessionManager) RunReaper(ctx context.Context, interval, maxInactivity time.Duration) {
	if interval <= 0 || maxInactivity <= 0 {
		return
	}
	ticker := sm.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			sm.CleanupInactiveSessions(maxInactivity)
		}
	}
}

// CloseAll closes every session
func (sm *SessionManager) CloseAll() int {
	sm.mu.RLock()
	all := make([]*Transport, 0, len(sm.sessions))
	for _, t := range sm.sessions {
		all = append(all, t)
	}
	sm.mu.RUnlock()

	for _, t := range all {
		t.Close()
	}
	return len(all)
}

func (sm *SessionManager) publish(t events.EventType, id string, data map[string]interface{}) {
	if sm.bus == nil {
		return
	}
	sm.bus.Publish(events.Event{Type: t, SessionID: id, Data: data})
}
