package mcp

import (
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/standardbeagle/browser-relay/pkg/events"
)

const loggerName = "browser-relay"

var eventLevels = map[events.EventType]mcplib.LoggingLevel{
	events.ExtensionConnected:    mcplib.LoggingLevelInfo,
	events.ExtensionDisconnected: mcplib.LoggingLevelWarning,
	events.ExtensionSuperseded:   mcplib.LoggingLevelNotice,
}

// ForwardExtensionEvents pushes extension lifecycle changes as
// notifications/message to every initialized session whose log level admits
// them
func ForwardExtensionEvents(bus *events.EventBus, sessions *SessionManager) {
	bus.SubscribeAll(func(e events.Event) {
		level := eventLevels[e.Type]
		sessions.LogMessage(level, map[string]any{
			"level":  level,
			"logger": loggerName,
			"data": map[string]any{
				"event":  string(e.Type),
				"reason": e.Data["reason"],
				"at":     e.Timestamp,
			},
		})
	}, events.ExtensionConnected, events.ExtensionDisconnected, events.ExtensionSuperseded)
}

// LogMessage sends a notifications/message to each initialized session that
// accepts level. It returns the number of sessions notified.
func (sm *SessionManager) LogMessage(level mcplib.LoggingLevel, params map[string]any) int {
	if sm.mcp == nil {
		return 0
	}

	sm.mu.RLock()
	targets := make([]*Transport, 0, len(sm.sessions))
	for _, t := range sm.sessions {
		if t.Initialized() && t.Accepts(level) {
			targets = append(targets, t)
		}
	}
	sm.mu.RUnlock()

	sent := 0
	for _, t := range targets {
		if err := sm.mcp.SendNotificationToSpecificClient(t.id, "notifications/message", params); err != nil {
			sm.logger.Debug("Log notification dropped", "session", t.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}
