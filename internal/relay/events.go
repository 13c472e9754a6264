package relay

import "github.com/standardbeagle/browser-relay/pkg/events"

// PublishEvents forwards the channel's state changes onto bus. Every change
// is published as ChannelStateChanged; peer arrivals and departures also get
// their own event type.
func PublishEvents(c *Channel, bus *events.EventBus) {
	c.OnStateChange(func(tr StateTransition) {
		data := map[string]interface{}{
			"from":   tr.From.String(),
			"to":     tr.To.String(),
			"reason": tr.Reason,
		}
		bus.Publish(events.Event{Type: events.ChannelStateChanged, Timestamp: tr.Timestamp, Data: data})

		var t events.EventType
		switch {
		case tr.From == StateOpen && tr.To == StateOpen:
			t = events.ExtensionSuperseded
		case tr.To == StateOpen:
			t = events.ExtensionConnected
		case tr.From == StateOpen:
			t = events.ExtensionDisconnected
		default:
			return
		}
		bus.Publish(events.Event{Type: t, Timestamp: tr.Timestamp, Data: data})
	})
}
