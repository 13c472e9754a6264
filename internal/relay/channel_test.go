package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/browser-relay/internal/testutil"
)

type channelFixture struct {
	channel *Channel
	clock   clockwork.FakeClock
	server  *httptest.Server
	url     string
}

func newChannelFixture(t *testing.T) *channelFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := NewChannel(ChannelConfig{
		CallTimeout:    15 * time.Second,
		ReconnectDelay: 5 * time.Second,
		Clock:          clock,
	})
	srv := httptest.NewServer(c)
	t.Cleanup(func() {
		c.Close(context.Background())
		srv.Close()
	})
	return &channelFixture{channel: c, clock: clock, server: srv, url: testutil.WSURL(srv.URL)}
}

func (f *channelFixture) connect(t *testing.T, handler testutil.ExtensionHandler) *testutil.FakeExtension {
	t.Helper()
	ext := testutil.DialExtension(t, f.url, handler)
	testutil.WaitForState(t, time.Second, f.channel.State, StateOpen)
	return ext
}

type invokeResult struct {
	result json.RawMessage
	err    error
}

func (f *channelFixture) invokeAsync(action string, payload interface{}) <-chan invokeResult {
	out := make(chan invokeResult, 1)
	go func() {
		r, err := f.channel.Invoke(context.Background(), action, payload)
		out <- invokeResult{r, err}
	}()
	return out
}

func TestInvokeFailsFastWhenDisconnected(t *testing.T) {
	f := newChannelFixture(t)

	start := time.Now()
	_, err := f.channel.Invoke(context.Background(), "click", map[string]string{"selector": "#btn"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, IsKind(err, KindChannelUnavailable))
	assert.Zero(t, f.channel.Registry().Len(), "no pending entry may linger")
}

func TestInvokeRoundTrip(t *testing.T) {
	f := newChannelFixture(t)
	f.connect(t, testutil.Echo)

	result, err := f.channel.Invoke(context.Background(), "navigate", map[string]string{"url": "https://example.com"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(result))
	assert.Zero(t, f.channel.Registry().Len())
}

func TestOutboundMessageShape(t *testing.T) {
	f := newChannelFixture(t)
	ext := f.connect(t, nil)

	done := f.invokeAsync("type", map[string]string{"selector": "#q", "text": "hello"})
	action := ext.Next(t, time.Second)
	assert.NotEmpty(t, action.ID)
	assert.Equal(t, "type", action.Type)
	assert.JSONEq(t, `{"selector":"#q","text":"hello"}`, string(action.Payload))

	require.NoError(t, ext.Reply(action.ID, "ok"))
	res := testutil.Receive(t, done, time.Second)
	require.NoError(t, res.err)
	assert.Equal(t, `"ok"`, string(res.result))
}

func TestNilPayloadSentAsEmptyObject(t *testing.T) {
	f := newChannelFixture(t)
	ext := f.connect(t, nil)

	f.invokeAsync("screenshot", nil)
	action := ext.Next(t, time.Second)
	assert.JSONEq(t, `{}`, string(action.Payload))
}

func TestOutOfOrderRepliesMatchByID(t *testing.T) {
	f := newChannelFixture(t)
	ext := f.connect(t, nil)

	first := f.invokeAsync("getUrl", nil)
	a1 := ext.Next(t, time.Second)
	second := f.invokeAsync("getTitle", nil)
	a2 := ext.Next(t, time.Second)

	require.NoError(t, ext.Reply(a2.ID, "title-for-"+a2.Type))
	require.NoError(t, ext.Reply(a1.ID, "url-for-"+a1.Type))

	r1 := testutil.Receive(t, first, time.Second)
	r2 := testutil.Receive(t, second, time.Second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, `"url-for-getUrl"`, string(r1.result))
	assert.Equal(t, `"title-for-getTitle"`, string(r2.result))
}

func TestExtensionErrorReply(t *testing.T) {
	f := newChannelFixture(t)
	f.connect(t, func(a testutil.Action) (interface{}, string, bool) {
		return nil, "Element not found: #missing", false
	})

	_, err := f.channel.Invoke(context.Background(), "click", map[string]string{"selector": "#missing"})
	require.Error(t, err)
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "click", ae.Action)
	assert.Equal(t, "Element not found: #missing", ae.Error())
}

func TestErrorObjectReply(t *testing.T) {
	f := newChannelFixture(t)
	ext := f.connect(t, nil)

	done := f.invokeAsync("executeScript", map[string]string{"script": "throw 1"})
	a := ext.Next(t, time.Second)
	require.NoError(t, ext.Send(map[string]interface{}{"id": a.ID, "error": map[string]string{"message": "script failed"}}))

	res := testutil.Receive(t, done, time.Second)
	assert.EqualError(t, res.err, "script failed")
}

func TestUnsolicitedMessagesIgnored(t *testing.T) {
	f := newChannelFixture(t)
	ext := f.connect(t, nil)

	require.NoError(t, ext.Send(map[string]string{"type": "hello"}))
	require.NoError(t, ext.Send(map[string]interface{}{"id": "nobody-waits", "result": 1}))
	require.NoError(t, ext.Send("not an object"))

	done := f.invokeAsync("getUrl", nil)
	a := ext.Next(t, time.Second)
	require.NoError(t, ext.Reply(a.ID, "https://example.com"))
	res := testutil.Receive(t, done, time.Second)
	require.NoError(t, res.err)
	assert.True(t, f.channel.IsConnected())
}

func TestInvokeTimesOut(t *testing.T) {
	f := newChannelFixture(t)
	f.connect(t, nil)

	done := f.invokeAsync("screenshot", nil)
	testutil.WaitForCount(t, time.Second, f.channel.Registry().Len, 1)

	f.clock.Advance(15*time.Second - time.Millisecond)
	assert.Equal(t, 1, f.channel.Registry().Len())
	select {
	case res := <-done:
		t.Fatalf("call finished before its deadline: %v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	f.clock.Advance(time.Millisecond)
	res := testutil.Receive(t, done, time.Second)
	require.Error(t, res.err)
	assert.True(t, IsKind(res.err, KindTimeout))
	assert.Zero(t, f.channel.Registry().Len())
}

func TestDisconnectDrainsPending(t *testing.T) {
	f := newChannelFixture(t)
	ext := f.connect(t, nil)

	var calls []<-chan invokeResult
	for i := 0; i < 3; i++ {
		calls = append(calls, f.invokeAsync("snapshot", nil))
	}
	testutil.WaitForCount(t, time.Second, f.channel.Registry().Len, 3)

	ext.Close()

	for _, c := range calls {
		res := testutil.Receive(t, c, time.Second)
		require.Error(t, res.err)
		assert.True(t, IsKind(res.err, KindChannelUnavailable))
	}
	testutil.WaitForState(t, time.Second, f.channel.State, StateDisconnected)
	assert.Zero(t, f.channel.Registry().Len())
}

func TestReconnectWindowOpensAfterDelay(t *testing.T) {
	f := newChannelFixture(t)
	ext := f.connect(t, nil)
	ext.Close()
	testutil.WaitForState(t, time.Second, f.channel.State, StateDisconnected)
	testutil.RequireEventually(t, time.Second, func() bool {
		return f.channel.Status().ReconnectArmed
	}, "reconnect timer armed")

	f.channel.scheduleReconnect()
	f.clock.Advance(5*time.Second - time.Millisecond)
	assert.Equal(t, StateDisconnected, f.channel.State())

	f.clock.Advance(time.Millisecond)
	testutil.WaitForState(t, time.Second, f.channel.State, StateConnecting)

	var toConnecting int
	for _, tr := range f.channel.History() {
		if tr.From == StateDisconnected && tr.To == StateConnecting {
			toConnecting++
		}
	}
	assert.Equal(t, 1, toConnecting, "only one reconnect transition per disconnect")

	f.connect(t, testutil.Echo)
	assert.False(t, f.channel.Status().ReconnectArmed)
}

func TestNewPeerSupersedesIncumbent(t *testing.T) {
	f := newChannelFixture(t)
	first := f.connect(t, nil)

	pending := f.invokeAsync("click", map[string]string{"selector": "#a"})
	first.Next(t, time.Second)

	second := testutil.DialExtension(t, f.url, testutil.Echo)

	res := testutil.Receive(t, pending, time.Second)
	require.Error(t, res.err)
	assert.True(t, IsKind(res.err, KindSuperseded))

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("incumbent was not closed")
	}

	result, err := f.channel.Invoke(context.Background(), "getUrl", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(result))
	assert.Equal(t, StateOpen, f.channel.State())
	_ = second
}

func TestConcurrentInvokes(t *testing.T) {
	f := newChannelFixture(t)
	f.connect(t, func(a testutil.Action) (interface{}, string, bool) {
		return a.ID, "", false
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.channel.Invoke(context.Background(), "getTitle", nil)
			assert.NoError(t, err)
			assert.NotEmpty(t, DecodeText(result, "id"))
		}()
	}
	wg.Wait()
	assert.Zero(t, f.channel.Registry().Len())
}

func TestCloseRejectsPending(t *testing.T) {
	f := newChannelFixture(t)
	f.connect(t, nil)

	pending := f.invokeAsync("wait", nil)
	testutil.WaitForCount(t, time.Second, f.channel.Registry().Len, 1)

	require.NoError(t, f.channel.Close(context.Background()))
	res := testutil.Receive(t, pending, time.Second)
	assert.True(t, IsKind(res.err, KindShutdown))
	assert.Equal(t, StateClosed, f.channel.State())

	_, err := f.channel.Invoke(context.Background(), "getUrl", nil)
	assert.True(t, IsKind(err, KindChannelUnavailable))
	assert.ErrorIs(t, f.channel.WaitForConnection(context.Background()), ErrShutdown)
}

func TestWaitForConnection(t *testing.T) {
	f := newChannelFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, f.channel.WaitForConnection(ctx))

	done := make(chan error, 1)
	go func() { done <- f.channel.WaitForConnection(context.Background()) }()
	f.connect(t, nil)
	assert.NoError(t, testutil.Receive(t, done, time.Second))
}

func TestStartBindsAndReportsAddr(t *testing.T) {
	c := NewChannel(ChannelConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, c.Start())
	defer c.Close(context.Background())

	require.NotNil(t, c.Addr())
	assert.Equal(t, StateConnecting, c.State())

	other := NewChannel(ChannelConfig{Addr: c.Addr().String()})
	assert.Error(t, other.Start(), "binding a used port must fail")
}
