package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/browser-relay/internal/relay"
	"github.com/standardbeagle/browser-relay/internal/tools"
)

// DefaultPath is where the MCP endpoint is mounted
const DefaultPath = "/mcp"

// RelayStatus reports control channel health
type RelayStatus interface {
	Status() relay.ChannelStatus
}

// ServerConfig configures the HTTP front door
type ServerConfig struct {
	Addr           string
	Path           string
	JSONResponse   bool
	Heartbeat      time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
	AllowedOrigins []string
	Version        string
	Metrics        http.Handler
	MetricsPath    string
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// HealthReport is the body of GET /health
type HealthReport struct {
	Status    string              `json:"status"`
	Version   string              `json:"version"`
	Uptime    string              `json:"uptime"`
	Mode      string              `json:"mode"`
	Sessions  []SessionInfo       `json:"sessions"`
	Extension relay.ChannelStatus `json:"extension"`
}

// Server serves the Streamable HTTP transport
type Server struct {
	cfg      ServerConfig
	mcp      *server.MCPServer
	sessions *SessionManager
	relay    RelayStatus
	clock    clockwork.Clock
	logger   *slog.Logger

	router    *mux.Router
	handler   http.Handler
	startedAt time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopReaper context.CancelFunc
}

// NewMCPServer creates the protocol server and installs every tool of table
func NewMCPServer(name, version string, table *tools.Table) *server.MCPServer {
	srv := server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	table.Install(srv)
	return srv
}

// NewServer wires the HTTP routes around an MCP server and session manager
func NewServer(cfg ServerConfig, mcpSrv *server.MCPServer, sessions *SessionManager, status RelayStatus) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		mcp:       mcpSrv,
		sessions:  sessions,
		relay:     status,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "http"),
		router:    mux.NewRouter(),
		startedAt: cfg.Clock.Now(),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Authorization", HeaderSessionID, "Last-Event-ID"},
		ExposedHeaders: []string{HeaderSessionID},
		MaxAge:         300,
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc(s.cfg.Path, s.handlePost).Methods(http.MethodPost)
	s.router.HandleFunc(s.cfg.Path, s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc(s.cfg.Path, s.handleDelete).Methods(http.MethodDelete)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		s.router.Handle(s.cfg.MetricsPath, s.cfg.Metrics).Methods(http.MethodGet)
	}
	s.router.Use(s.recoverMiddleware)
}

// Handler returns the complete HTTP handler, CORS included
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Sessions returns the session manager
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Health builds the current health report
func (s *Server) Health() HealthReport {
	report := HealthReport{
		Status:   "healthy",
		Version:  s.cfg.Version,
		Uptime:   s.clock.Since(s.startedAt).Truncate(time.Second).String(),
		Mode:     "sse",
		Sessions: s.sessions.Sessions(),
	}
	if s.cfg.JSONResponse {
		report.Mode = "json"
	}
	if s.relay != nil {
		report.Extension = s.relay.Status()
		if !report.Extension.Connected {
			report.Status = "degraded"
		}
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Health())
}

// Start binds the listener and serves in the background. A bind failure is
// returned so the caller can abort startup.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	s.stopReaper = cancel
	if s.cfg.IdleTimeout > 0 {
		go s.sessions.RunReaper(reapCtx, s.cfg.ReapInterval, s.cfg.IdleTimeout)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	s.logger.Info("MCP endpoint listening", "url", fmt.Sprintf("http://%s%s", ln.Addr(), s.cfg.Path))
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes every session and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	stop := s.stopReaper
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if n := s.sessions.CloseAll(); n > 0 {
		s.logger.Info("Closed sessions on shutdown", "count", n)
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// recoverMiddleware turns a handler panic into a 500 JSON-RPC error
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("HTTP handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				if !rw.wroteHeader {
					writeError(rw, http.StatusInternalServerError, codeInternalError, "Internal server error")
				}
			}
		}()
		next.ServeHTTP(rw, r)
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rw.status, "session", requestSessionID(r))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
