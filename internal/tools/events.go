package tools

import "github.com/standardbeagle/browser-relay/pkg/events"

// PublishCalls publishes a ToolCalled event for every finished invocation
func PublishCalls(t *Table, bus *events.EventBus) {
	t.OnCall(func(rec CallRecord) {
		data := map[string]interface{}{
			"tool":     rec.Tool,
			"outcome":  rec.Outcome,
			"duration": rec.Duration.String(),
		}
		if rec.Err != nil {
			data["error"] = rec.Err.Error()
		}
		bus.Publish(events.Event{Type: events.ToolCalled, Data: data})
	})
}
