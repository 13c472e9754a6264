package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/browser-relay/internal/relay"
	"github.com/standardbeagle/browser-relay/internal/testutil"
	"github.com/standardbeagle/browser-relay/internal/tools"
)

func TestSettleResult(t *testing.T) {
	assert.Equal(t, "ok", SettleResult(nil))
	assert.Equal(t, "timeout", SettleResult(relay.TimeoutError("click", time.Second)))
	assert.Equal(t, "channel_unavailable", SettleResult(relay.ConnectionLostError()))
	assert.Equal(t, "shutdown", SettleResult(relay.ShutdownError()))
	assert.Equal(t, "extension_error", SettleResult(&relay.ActionError{Action: "click", Message: "no such element"}))
	assert.Equal(t, "unknown", SettleResult(errors.New("boom")))
}

func TestToolCallsAndSessions(t *testing.T) {
	m := New()

	m.ObserveToolCall(tools.CallRecord{Tool: "click", Outcome: tools.OutcomeOK, Duration: 20 * time.Millisecond})
	m.ObserveToolCall(tools.CallRecord{Tool: "click", Outcome: tools.OutcomeToolError, Duration: time.Millisecond})
	m.ObserveToolCall(tools.CallRecord{Tool: "navigate", Outcome: tools.OutcomeInvalidArguments})

	assert.Equal(t, 1.0, promtest.ToFloat64(m.toolCalls.WithLabelValues("click", "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.toolCalls.WithLabelValues("click", "tool_error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.toolCalls.WithLabelValues("navigate", "invalid_arguments")))
	assert.Equal(t, 2, promtest.CollectAndCount(m.toolDuration))

	m.SessionOpened("a")
	m.SessionOpened("b")
	m.SessionClosed("a", time.Minute)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.sessionsOpen))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.sessionsTotal))
}

func TestTransitionsDriveConnectedGauge(t *testing.T) {
	m := New()

	m.ObserveTransition(relay.StateTransition{From: relay.StateDisconnected, To: relay.StateOpen})
	assert.Equal(t, 1.0, promtest.ToFloat64(m.connected))
	m.ObserveTransition(relay.StateTransition{From: relay.StateOpen, To: relay.StateOpen})
	assert.Equal(t, 1.0, promtest.ToFloat64(m.connected))
	m.ObserveTransition(relay.StateTransition{From: relay.StateOpen, To: relay.StateDisconnected})
	assert.Equal(t, 0.0, promtest.ToFloat64(m.connected))

	assert.Equal(t, 2.0, promtest.ToFloat64(m.transitions.WithLabelValues("open", "open"))+
		promtest.ToFloat64(m.transitions.WithLabelValues("disconnected", "open")))
}

func TestInstrumentChannel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	channel := relay.NewChannel(relay.ChannelConfig{Clock: clock, CallTimeout: 15 * time.Second})
	srv := httptest.NewServer(channel)
	t.Cleanup(func() {
		channel.Close(context.Background())
		srv.Close()
	})

	m := New()
	m.now = clock.Now
	m.Instrument(channel, nil, nil)

	testutil.DialExtension(t, testutil.WSURL(srv.URL), testutil.Echo)
	testutil.WaitForState(t, time.Second, channel.State, relay.StateOpen)
	testutil.RequireEventually(t, time.Second, func() bool {
		return promtest.ToFloat64(m.connected) == 1
	}, "connected gauge never rose")

	_, err := channel.Invoke(context.Background(), "getUrl", map[string]interface{}{})
	require.NoError(t, err)
	testutil.RequireEventually(t, time.Second, func() bool {
		return promtest.ToFloat64(m.extensionCalls.WithLabelValues("getUrl", "ok")) == 1
	}, "settled call not counted")

	_, err = channel.Invoke(context.Background(), "click", nil)
	require.NoError(t, err)
	testutil.RequireEventually(t, time.Second, func() bool {
		return promtest.ToFloat64(m.extensionCalls.WithLabelValues("click", "ok")) == 1
	}, "settled call not counted")
	assert.Equal(t, 2, promtest.CollectAndCount(m.extensionCalls))
	assert.Zero(t, channel.Registry().Len())
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.TrackPending(func() int { return 3 })
	m.ObserveToolCall(tools.CallRecord{Tool: "snapshot", Outcome: tools.OutcomeOK})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `browser_relay_tool_calls_total{outcome="ok",tool="snapshot"} 1`)
	assert.Contains(t, text, "browser_relay_extension_calls_pending 3")
	assert.Contains(t, text, "go_goroutines")
}
