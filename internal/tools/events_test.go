package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/browser-relay/internal/testutil"
	"github.com/standardbeagle/browser-relay/pkg/events"
)

func TestPublishCalls(t *testing.T) {
	bus := events.NewEventBus(nil)
	defer bus.Shutdown()

	got := make(chan events.Event, 4)
	bus.Subscribe(events.ToolCalled, func(e events.Event) { got <- e })

	table := NewTable(newFakeBrowser(), nil)
	require.NoError(t, table.Register(echoTool("echo")))
	PublishCalls(table, bus)

	_, err := table.Invoke(context.Background(), "echo", map[string]interface{}{"msg": "hi"})
	require.NoError(t, err)
	ok := testutil.Receive(t, got, time.Second)
	assert.Equal(t, "echo", ok.Data["tool"])
	assert.Equal(t, OutcomeOK, ok.Data["outcome"])
	assert.NotContains(t, ok.Data, "error")

	_, err = table.Invoke(context.Background(), "echo", map[string]interface{}{})
	require.Error(t, err)
	bad := testutil.Receive(t, got, time.Second)
	assert.Equal(t, OutcomeInvalidArguments, bad.Data["outcome"])
	assert.Contains(t, bad.Data["error"], "msg")
}
