package testutil

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Action is one request the relay sent to the extension
type Action struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ExtensionHandler answers an action. A non-empty errMsg is sent as the
// reply's error. Returning skip leaves the action unanswered.
type ExtensionHandler func(a Action) (result interface{}, errMsg string, skip bool)

// FakeExtension plays the browser extension side of the control channel.
type FakeExtension struct {
	conn     *websocket.Conn
	handler  ExtensionHandler
	writeMu  sync.Mutex
	received chan Action
	done     chan struct{}
}

// WSURL turns an httptest server URL into a websocket URL
func WSURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// DialExtension connects a fake extension to url. Every action is recorded
// on Actions; when handler is set it also answers them.
func DialExtension(t *testing.T, url string, handler ExtensionHandler) *FakeExtension {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial control channel")

	f := &FakeExtension{
		conn:     conn,
		handler:  handler,
		received: make(chan Action, 64),
		done:     make(chan struct{}),
	}
	go f.readLoop()
	t.Cleanup(f.Close)
	return f
}

func (f *FakeExtension) readLoop() {
	defer close(f.done)
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			return
		}
		var a Action
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		select {
		case f.received <- a:
		default:
		}
		if f.handler == nil {
			continue
		}
		if result, errMsg, skip := f.handler(a); !skip {
			if errMsg != "" {
				f.ReplyError(a.ID, errMsg)
			} else {
				f.Reply(a.ID, result)
			}
		}
	}
}

// Actions delivers every action received, in arrival order
func (f *FakeExtension) Actions() <-chan Action {
	return f.received
}

// Next waits for the next action
func (f *FakeExtension) Next(t *testing.T, timeout time.Duration) Action {
	t.Helper()
	return Receive(t, f.Actions(), timeout)
}

// Reply answers id with result
func (f *FakeExtension) Reply(id string, result interface{}) error {
	return f.Send(map[string]interface{}{"id": id, "result": result})
}

// ReplyError answers id with an error string
func (f *FakeExtension) ReplyError(id, message string) error {
	return f.Send(map[string]interface{}{"id": id, "error": message})
}

// Send writes an arbitrary message to the relay
func (f *FakeExtension) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// Done is closed once the relay drops this connection
func (f *FakeExtension) Done() <-chan struct{} {
	return f.done
}

// Close drops the connection
func (f *FakeExtension) Close() {
	f.conn.Close()
}

// Echo answers every action with {"success": true}
func Echo(a Action) (interface{}, string, bool) {
	return map[string]interface{}{"success": true}, "", false
}
