package metrics

import (
	"github.com/standardbeagle/browser-relay/internal/mcp"
	"github.com/standardbeagle/browser-relay/internal/relay"
	"github.com/standardbeagle/browser-relay/internal/tools"
)

// Instrument hooks m into the relay's components. Any argument may be nil.
// Call before the channel starts accepting connections.
func (m *Metrics) Instrument(channel *relay.Channel, table *tools.Table, sessions *mcp.SessionManager) {
	if channel != nil {
		reg := channel.Registry()
		reg.OnSettle(m.ObserveSettle)
		m.TrackPending(reg.Len)
		channel.OnStateChange(m.ObserveTransition)
	}
	if table != nil {
		table.OnCall(m.ObserveToolCall)
	}
	if sessions != nil {
		sessions.SetCallbacks(m.SessionOpened, m.SessionClosed)
	}
}
