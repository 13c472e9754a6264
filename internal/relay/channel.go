package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultControlPort is the well-known port the extension dials
	DefaultControlPort = 8081

	maxMessageSize      = 64 << 20 // screenshots arrive as base64 data URLs
	writeWait           = 10 * time.Second
	closeWait           = 250 * time.Millisecond
	defaultPingInterval = 30 * time.Second
	maxHistory          = 50
)

// ConnectionState is the control channel's view of the extension link
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // Peer gone, reconnect timer armed
	StateConnecting                          // Listening, waiting for the extension to dial
	StateOpen                                // Peer attached and authoritative
	StateClosed                              // Shut down, no further peers
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateTransition records a state change
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// ChannelConfig configures the control channel
type ChannelConfig struct {
	Addr           string
	Path           string
	CallTimeout    time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// ChannelStatus is a point-in-time view of the channel for health output
type ChannelStatus struct {
	State          string    `json:"state"`
	Connected      bool      `json:"connected"`
	PeerID         string    `json:"peer_id,omitempty"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
	Pending        int       `json:"pending"`
	OldestPending  string    `json:"oldest_pending,omitempty"`
	Transitions    int       `json:"transitions"`
	ReconnectArmed bool      `json:"reconnect_armed"`
}

type outboundMessage struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type inboundMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// peer is one attached extension connection
type peer struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) ping() error {
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close tears the connection down, sending a close frame first when code is
// non-zero. Safe to call more than once.
func (p *peer) close(code int, text string) {
	p.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, text)
			p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		}
		p.conn.Close()
		close(p.closed)
	})
}

// Channel is the single logical connection to the browser extension. The
// extension dials in; the newest peer always wins.
type Channel struct {
	cfg       ChannelConfig
	logger    *slog.Logger
	clock     clockwork.Clock
	registry  *Registry
	reconnect *reconnectTimer
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	state   ConnectionState
	current *peer
	history []StateTransition
	opened  chan struct{} // closed while the state is open

	listenersMu sync.RWMutex
	listeners   []func(StateTransition)

	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// NewChannel creates a control channel. Nothing listens until Start.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Channel{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "control-channel"),
		clock:     cfg.Clock,
		registry:  NewRegistry(cfg.CallTimeout, cfg.Clock),
		reconnect: newReconnectTimer(cfg.Clock, NewFixedBackoff(cfg.ReconnectDelay)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin: func(r *http.Request) bool {
				return true // extension origins are chrome-extension://<id>
			},
		},
		state:  StateDisconnected,
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
	return c
}

// Registry exposes the correlation registry for diagnostics and metrics hooks
func (c *Channel) Registry() *Registry {
	return c.registry
}

// OnStateChange registers a callback run after every state transition
func (c *Channel) OnStateChange(fn func(StateTransition)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start binds the control port and begins accepting the extension. A bind
// failure is returned to the caller, which treats it as fatal.
func (c *Channel) Start() error {
	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind control channel on %s: %w", c.cfg.Addr, err)
	}

	router := mux.NewRouter()
	router.HandleFunc(c.cfg.Path, c.ServeHTTP).Methods(http.MethodGet)

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	tr := c.setStateLocked(StateConnecting, "listening on "+ln.Addr().String())
	server := c.server
	c.mu.Unlock()
	c.notify(tr)

	c.logger.Info("Control channel listening", "addr", ln.Addr().String(), "path", c.cfg.Path)

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Control channel server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (c *Channel) Addr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// ServeHTTP upgrades an inbound extension connection and runs it until it
// drops. Exported so the channel can also be mounted on a test server.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.State() == StateClosed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("Extension upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := &peer{
		id:          uuid.NewString(),
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		connectedAt: c.clock.Now(),
		closed:      make(chan struct{}),
	}
	if !c.attach(p) {
		p.close(websocket.CloseGoingAway, "relay shutting down")
		return
	}

	go c.keepalive(p)
	c.readLoop(p)
}

// attach makes p the authoritative peer. Any incumbent is force-closed and
// its pending calls drained before p can carry traffic.
func (c *Channel) attach(p *peer) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}

	c.reconnect.cancel()

	old := c.current
	reason := "extension connected from " + p.remoteAddr
	drained := 0
	if old != nil {
		old.close(websocket.ClosePolicyViolation, "superseded by a new connection")
		drained = c.registry.DrainAll(SupersededError())
		reason = "extension superseded by " + p.remoteAddr
	}
	c.current = p
	tr := c.setStateLocked(StateOpen, reason)
	c.mu.Unlock()

	if old != nil {
		c.logger.Warn("Extension connection superseded", "old_peer", old.id, "new_peer", p.id, "drained", drained)
	} else {
		c.logger.Info("Extension connected", "peer", p.id, "remote", p.remoteAddr)
	}
	c.notify(tr)
	return true
}

func (c *Channel) readLoop(p *peer) {
	pongWait := 2 * c.cfg.PingInterval
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var readErr error
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}

	c.detach(p, readErr)
}

func (c *Channel) keepalive(p *peer) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.Chan():
			if err := p.ping(); err != nil {
				c.logger.Debug("Extension ping failed", "peer", p.id, "error", err)
				p.close(0, "")
				return
			}
		}
	}
}

// detach runs when a peer's read loop ends. A peer that was already replaced
// or shut down has nothing left to clean up.
func (c *Channel) detach(p *peer, cause error) {
	p.close(0, "")

	c.mu.Lock()
	if c.current != p {
		c.mu.Unlock()
		return
	}
	c.current = nil
	drained := c.registry.DrainAll(ConnectionLostError())
	tr := c.setStateLocked(StateDisconnected, disconnectReason(cause))
	c.mu.Unlock()

	c.logger.Info("Extension disconnected", "peer", p.id, "drained", drained, "reason", tr.Reason)
	c.notify(tr)
	c.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. When it fires the
// channel reopens for a re-dial.
func (c *Channel) scheduleReconnect() {
	delay, ok := c.reconnect.schedule(func() {
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		tr := c.setStateLocked(StateConnecting, "reconnect window open")
		c.mu.Unlock()
		c.notify(tr)
	})
	if ok {
		c.logger.Debug("Reconnect scheduled", "delay", delay)
	}
}

func (c *Channel) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("Discarding malformed extension message", "error", err, "size", len(data))
		return
	}

	id := decodeID(msg.ID)
	if id == "" {
		c.logger.Debug("Discarding unsolicited extension message", "message", truncate(string(data), 200))
		return
	}

	var matched bool
	if isPresent(msg.Error) {
		matched = c.registry.Reject(id, &ActionError{Message: decodeErrorText(msg.Error)})
	} else {
		result := msg.Result
		if result == nil {
			result = json.RawMessage("null")
		}
		matched = c.registry.Resolve(id, result)
	}
	if !matched {
		c.logger.Debug("No pending call for extension reply", "id", id)
	}
}

// Invoke sends one action to the extension and waits for its correlated
// reply. It fails at once when no extension is attached.
func (c *Channel) Invoke(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	id := uuid.NewString()
	data, err := json.Marshal(outboundMessage{ID: id, Type: action, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", action, err)
	}

	c.mu.RLock()
	p := c.current
	if p == nil || c.state != StateOpen {
		c.mu.RUnlock()
		return nil, NotConnectedError(action)
	}
	pending, err := c.registry.Register(id, action)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := p.write(data); err != nil {
		c.registry.Reject(id, &Error{
			Kind:      KindChannelUnavailable,
			Message:   "failed to send action to extension",
			Action:    action,
			Cause:     err,
			Timestamp: c.clock.Now(),
		})
	}

	result, err := pending.Wait(ctx)
	if ae, ok := err.(*ActionError); ok {
		ae.Action = action
	}
	return result, err
}

// WaitForConnection blocks until a peer is attached or ctx ends
func (c *Channel) WaitForConnection(ctx context.Context) error {
	c.mu.RLock()
	opened := c.opened
	c.mu.RUnlock()

	select {
	case <-opened:
		return nil
	case <-c.done:
		return ShutdownError()
	case <-ctx.Done():
		return NotConnectedError("")
	}
}

// State returns the current connection state
func (c *Channel) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether an extension is attached
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateOpen && c.current != nil
}

// History returns a copy of the recorded state transitions
func (c *Channel) History() []StateTransition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StateTransition, len(c.history))
	copy(out, c.history)
	return out
}

// Status returns a snapshot for health reporting
func (c *Channel) Status() ChannelStatus {
	c.mu.RLock()
	status := ChannelStatus{
		State:       c.state.String(),
		Connected:   c.state == StateOpen && c.current != nil,
		Transitions: len(c.history),
	}
	if c.current != nil {
		status.PeerID = c.current.id
		status.RemoteAddr = c.current.remoteAddr
		status.ConnectedAt = c.current.connectedAt
	}
	c.mu.RUnlock()

	status.Pending = c.registry.Len()
	if oldest := c.registry.Oldest(); oldest != nil {
		status.OldestPending = fmt.Sprintf("%s (%s)", oldest.Action, c.clock.Since(oldest.CreatedAt).Round(time.Millisecond))
	}
	status.ReconnectArmed = c.reconnect.armed()
	return status
}

// Close rejects every pending call, drops the peer and stops listening.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	p := c.current
	c.current = nil
	drained := c.registry.DrainAll(ShutdownError())
	tr := c.setStateLocked(StateClosed, "shutdown requested")
	server := c.server
	close(c.done)
	c.mu.Unlock()

	c.reconnect.stop()
	if p != nil {
		p.close(websocket.CloseGoingAway, "server shutting down")
	}
	c.logger.Info("Control channel closed", "drained", drained)
	c.notify(tr)

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (c *Channel) setStateLocked(to ConnectionState, reason string) StateTransition {
	tr := StateTransition{
		From:      c.state,
		To:        to,
		Timestamp: c.clock.Now(),
		Reason:    reason,
	}
	switch {
	case to == StateOpen && c.state != StateOpen:
		close(c.opened)
	case to != StateOpen && c.state == StateOpen:
		c.opened = make(chan struct{})
	}
	c.state = to
	c.history = append(c.history, tr)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	return tr
}

func (c *Channel) notify(tr StateTransition) {
	c.listenersMu.RLock()
	listeners := make([]func(StateTransition), len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(tr)
	}
}

func disconnectReason(err error) string {
	if err == nil {
		return "connection closed"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed by extension (%d)", ce.Code)
	}
	return err.Error()
}

// decodeID accepts string or numeric ids
func decodeID(raw json.RawMessage) string {
	if !isPresent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// decodeErrorText accepts a bare string or an object with a message field
func decodeErrorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
