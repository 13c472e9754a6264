package mcp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const notificationBuffer = 100

// Transport is the per-session end of the Streamable HTTP transport. It owns
// the session's POST lock, its notification queue and its single GET stream.
type Transport struct {
	id        string
	createdAt time.Time

	lastActivity atomic.Int64 // unix nanos
	initialized  atomic.Bool
	streaming    atomic.Bool
	logLevel     atomic.Value // mcplib.LoggingLevel

	// postMu serializes POST handling for the session
	postMu sync.Mutex

	notifications chan mcplib.JSONRPCNotification

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*Transport)
}

var _ server.SessionWithLogging = (*Transport)(nil)

// DefaultLogLevel is the minimum level a session receives until it sends
// logging/setLevel
const DefaultLogLevel = mcplib.LoggingLevelInfo

var levelSeverity = map[mcplib.LoggingLevel]int{
	mcplib.LoggingLevelDebug:     0,
	mcplib.LoggingLevelInfo:      1,
	mcplib.LoggingLevelNotice:    2,
	mcplib.LoggingLevelWarning:   3,
	mcplib.LoggingLevelError:     4,
	mcplib.LoggingLevelCritical:  5,
	mcplib.LoggingLevelAlert:     6,
	mcplib.LoggingLevelEmergency: 7,
}

func newTransport(id string, now time.Time, onClose func(*Transport)) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:            id,
		createdAt:     now,
		notifications: make(chan mcplib.JSONRPCNotification, notificationBuffer),
		ctx:           ctx,
		cancel:        cancel,
		onClose:       onClose,
	}
	t.logLevel.Store(DefaultLogLevel)
	t.touch(now)
	return t
}

// SessionID returns the canonical session ID
func (t *Transport) SessionID() string { return t.id }

// NotificationChannel is where the MCP server queues server-initiated messages
func (t *Transport) NotificationChannel() chan<- mcplib.JSONRPCNotification {
	return t.notifications
}

// Initialize marks the session initialized
func (t *Transport) Initialize() { t.initialized.Store(true) }

// Initialized reports whether initialize completed
func (t *Transport) Initialized() bool { return t.initialized.Load() }

// SetLogLevel sets the minimum level of notifications/message sent to the session
func (t *Transport) SetLogLevel(level mcplib.LoggingLevel) { t.logLevel.Store(level) }

// GetLogLevel returns the session's minimum notification level
func (t *Transport) GetLogLevel() mcplib.LoggingLevel {
	return t.logLevel.Load().(mcplib.LoggingLevel)
}

// Accepts reports whether a message at level passes the session's minimum.
// Unknown levels are always delivered.
func (t *Transport) Accepts(level mcplib.LoggingLevel) bool {
	sev, ok := levelSeverity[level]
	if !ok {
		return true
	}
	return sev >= levelSeverity[t.GetLogLevel()]
}

// CreatedAt returns when the session was created
func (t *Transport) CreatedAt() time.Time { return t.createdAt }

// LastActivity returns the time of the last request on the session
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

func (t *Transport) touch(now time.Time) {
	t.lastActivity.Store(now.UnixNano())
}

// Done is closed once the transport is closed
func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// Closed reports whether Close has run
func (t *Transport) Closed() bool { return t.ctx.Err() != nil }

// Close tears the session down. In-flight requests see their context
// cancelled, the GET stream ends and the close callback removes the session.
// Safe to call more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.onClose != nil {
			t.onClose(t)
		}
	})
}

// bind derives a request context that is also cancelled when the transport
// closes
func (t *Transport) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// claimStream reserves the session's single GET stream
func (t *Transport) claimStream() bool {
	return t.streaming.CompareAndSwap(false, true)
}

func (t *Transport) releaseStream() {
	t.streaming.Store(false)
}

// Streaming reports whether a GET stream is attached
func (t *Transport) Streaming() bool { return t.streaming.Load() }
