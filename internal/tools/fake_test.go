package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/standardbeagle/browser-relay/internal/relay"
)

type call struct {
	Action  string
	Payload map[string]interface{}
}

// fakeBrowser is a HandlerContext backed by canned replies
type fakeBrowser struct {
	mu        sync.Mutex
	connected bool
	replies   map[string]interface{}
	failures  map[string]error
	calls     []call
	waited    []time.Duration
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		connected: true,
		replies: map[string]interface{}{
			"getUrl":   "https://example.com/",
			"getTitle": "Example Domain",
			"snapshot": "- heading \"Example Domain\"",
		},
		failures: map[string]error{},
	}
}

func (f *fakeBrowser) InvokeBrowserAction(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return nil, relay.NotConnectedError(action)
	}
	var p map[string]interface{}
	if payload != nil {
		data, _ := json.Marshal(payload)
		_ = json.Unmarshal(data, &p)
	}
	f.calls = append(f.calls, call{Action: action, Payload: p})

	if err := f.failures[action]; err != nil {
		return nil, err
	}
	reply, ok := f.replies[action]
	if !ok {
		reply = map[string]interface{}{"success": true}
	}
	return json.Marshal(reply)
}

func (f *fakeBrowser) Wait(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.waited = append(f.waited, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeBrowser) GetBrowserState(ctx context.Context) (relay.BrowserState, error) {
	return relay.BrowserState{Connected: f.IsConnected()}, nil
}

func (f *fakeBrowser) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBrowser) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Action
	}
	return out
}

func (f *fakeBrowser) first(action string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Action == action {
			return c, true
		}
	}
	return call{}, false
}
