package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/browser-relay/internal/config"
	"github.com/standardbeagle/browser-relay/internal/discovery"
	"github.com/standardbeagle/browser-relay/internal/mcp"
	"github.com/standardbeagle/browser-relay/internal/metrics"
	"github.com/standardbeagle/browser-relay/internal/relay"
	"github.com/standardbeagle/browser-relay/internal/tools"
	"github.com/standardbeagle/browser-relay/pkg/events"
)

const serverName = "browser-relay"

// App owns every long-lived component of a running relay
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clockwork.Clock

	bus      *events.EventBus
	channel  *relay.Channel
	service  *relay.Service
	table    *tools.Table
	mcp      *server.MCPServer
	sessions *mcp.SessionManager
	http     *mcp.Server
	metrics  *metrics.Metrics

	registration *discovery.Registration
}

// NewApp constructs the relay from cfg. Nothing listens until Start.
func NewApp(cfg *config.Config, logger *slog.Logger, clock clockwork.Clock) (*App, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &App{cfg: cfg, logger: logger, clock: clock}

	a.bus = events.NewEventBus(logger)
	a.channel = relay.NewChannel(relay.ChannelConfig{
		Addr:           cfg.ControlAddr(),
		Path:           cfg.Extension.Path,
		CallTimeout:    cfg.Extension.CallTimeout,
		ReconnectDelay: cfg.Extension.ReconnectDelay,
		PingInterval:   cfg.Extension.PingInterval,
		Clock:          clock,
		Logger:         logger,
	})
	a.service = relay.NewService(a.channel, clock, logger)

	table, err := tools.NewBrowserTable(a.service, logger)
	if err != nil {
		a.bus.Shutdown()
		return nil, fmt.Errorf("failed to build tool table: %w", err)
	}
	a.table = table
	a.mcp = mcp.NewMCPServer(serverName, Version, table)
	a.sessions = mcp.NewSessionManager(a.mcp, a.bus, clock, logger)

	relay.PublishEvents(a.channel, a.bus)
	tools.PublishCalls(a.table, a.bus)
	mcp.ForwardExtensionEvents(a.bus, a.sessions)

	srvCfg := mcp.ServerConfig{
		Addr:           cfg.HTTPAddr(),
		Path:           cfg.Server.Path,
		JSONResponse:   cfg.Server.JSONResponse,
		Heartbeat:      cfg.Server.Heartbeat,
		IdleTimeout:    cfg.Session.IdleTimeout,
		ReapInterval:   cfg.Session.ReapInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        Version,
		Clock:          clock,
		Logger:         logger,
	}
	if cfg.Session.IdleTimeout == 0 {
		srvCfg.IdleTimeout = -1
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		a.metrics.Instrument(a.channel, a.table, a.sessions)
		srvCfg.Metrics = a.metrics.Handler()
		srvCfg.MetricsPath = cfg.Metrics.Path
	}
	a.http = mcp.NewServer(srvCfg, a.mcp, a.sessions, a.channel)

	return a, nil
}

// Start binds both ports and registers the instance. Either bind failing is
// fatal and leaves nothing running.
func (a *App) Start() error {
	if err := a.service.Start(); err != nil {
		return err
	}
	if err := a.http.Start(); err != nil {
		a.channel.Close(context.Background())
		return err
	}

	a.logger.Info("Waiting for the browser extension", "url", a.ControlURL())

	if a.cfg.Discovery.Enabled {
		inst := discovery.NewInstance(Version, a.HTTPURL(), a.ControlURL())
		reg, err := discovery.Register(discovery.NewStore(a.cfg.InstancesDir()), inst, discovery.DefaultPingInterval, a.logger)
		if err != nil {
			a.logger.Warn("Instance registration failed, status will not find this relay", "error", err)
		} else {
			a.registration = reg
		}
	}
	return nil
}

// HTTPURL is the MCP endpoint clients connect to
func (a *App) HTTPURL() string {
	return fmt.Sprintf("http://%s%s", addrString(a.http.Addr(), a.cfg.HTTPAddr()), a.cfg.Server.Path)
}

// ControlURL is the URL the extension dials
func (a *App) ControlURL() string {
	return fmt.Sprintf("ws://%s%s", addrString(a.channel.Addr(), a.cfg.ControlAddr()), a.cfg.Extension.Path)
}

// Reload applies the settings that can change without a restart
func (a *App) Reload(cfg *config.Config, setLevel func(string) error) {
	if cfg.Log.Level != a.cfg.Log.Level {
		if err := setLevel(cfg.Log.Level); err != nil {
			a.logger.Warn("Ignoring log level change", "error", err)
		}
	}
	if cfg.HTTPAddr() != a.cfg.HTTPAddr() || cfg.ControlAddr() != a.cfg.ControlAddr() {
		a.logger.Warn("Listen address changes need a restart")
	}
	a.cfg.Log = cfg.Log
}

// Shutdown stops accepting work, rejects in-flight calls and closes every
// session. All errors are reported together.
func (a *App) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if a.registration != nil {
		if err := a.registration.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unregister instance: %w", err))
		}
	}
	if err := a.http.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http server: %w", err))
	}
	if err := a.service.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("control channel: %w", err))
	}
	a.bus.Shutdown()

	return result.ErrorOrNil()
}

func addrString(bound net.Addr, configured string) string {
	if bound != nil {
		return bound.String()
	}
	return configured
}
