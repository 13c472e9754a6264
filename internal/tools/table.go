package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/browser-relay/internal/relay"
)

// ErrUnknownTool is returned by Invoke for names that were never registered
var ErrUnknownTool = errors.New("unknown tool")

// HandlerContext is everything a tool handler may do. relay.Service
// implements it.
type HandlerContext interface {
	InvokeBrowserAction(ctx context.Context, action string, payload interface{}) (json.RawMessage, error)
	Wait(ctx context.Context, d time.Duration) error
	GetBrowserState(ctx context.Context) (relay.BrowserState, error)
	IsConnected() bool
}

// Handler implements one tool. A returned error becomes an isError result.
type Handler func(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error)

// Descriptor is one registered tool. Check runs after schema validation for
// rules a JSON schema cannot express; its error counts as invalid arguments.
type Descriptor struct {
	Tool    mcplib.Tool
	Handler Handler
	Check   func(args Args) error
}

// CallRecord describes one finished invocation
type CallRecord struct {
	Tool     string
	Outcome  string // ok, tool_error, invalid_arguments
	Duration time.Duration
	Err      error
}

const (
	OutcomeOK               = "ok"
	OutcomeToolError        = "tool_error"
	OutcomeInvalidArguments = "invalid_arguments"
)

type entry struct {
	desc   Descriptor
	schema *openapi3.Schema
}

// Table is the tool dispatch table. Tools are registered once at startup and
// never change afterwards.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	hc      HandlerContext
	logger  *slog.Logger
	onCall  []func(CallRecord)
	nowFunc func() time.Time
}

// NewTable creates an empty dispatch table whose handlers receive hc
func NewTable(hc HandlerContext, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[string]*entry),
		hc:      hc,
		logger:  logger.With("component", "tools"),
		nowFunc: time.Now,
	}
}

// OnCall registers an observer run after every invocation
func (t *Table) OnCall(fn func(CallRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCall = append(t.onCall, fn)
}

// Register adds a tool. Duplicate names and uncompilable schemas are errors.
func (t *Table) Register(d Descriptor) error {
	name := d.Tool.Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}

	schema, err := compileSchema(d.Tool)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[name]; exists {
		return fmt.Errorf("tool %s already exists", name)
	}
	t.entries[name] = &entry{desc: d, schema: schema}
	t.order = append(t.order, name)
	return nil
}

// RegisterAll registers every descriptor, stopping at the first failure
func (t *Table) RegisterAll(descs ...Descriptor) error {
	for _, d := range descs {
		if err := t.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Names returns registered tool names sorted alphabetically
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, len(t.order))
	copy(names, t.order)
	sort.Strings(names)
	return names
}

// Tools returns the registered tool definitions in registration order
func (t *Table) Tools() []mcplib.Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]mcplib.Tool, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.entries[name].desc.Tool)
	}
	return out
}

// Invoke validates args and runs the named tool. Unknown tools and invalid
// arguments are returned as errors; everything that goes wrong inside a
// handler comes back as an isError result.
func (t *Table) Invoke(ctx context.Context, name string, args map[string]interface{}) (*mcplib.CallToolResult, error) {
	t.mu.RLock()
	e, ok := t.entries[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := t.nowFunc()
	args, err := normalize(args)
	if err != nil {
		return nil, relay.NewValidationError(err, "arguments for tool %s are not JSON", name)
	}

	if err := validate(e.schema, args); err != nil {
		verr := relay.NewValidationError(err, "invalid arguments for tool %s", name)
		t.record(CallRecord{Tool: name, Outcome: OutcomeInvalidArguments, Duration: t.nowFunc().Sub(start), Err: verr})
		return nil, verr
	}
	if e.desc.Check != nil {
		if err := e.desc.Check(Args(args)); err != nil {
			verr := relay.NewValidationError(err, "invalid arguments for tool %s", name)
			t.record(CallRecord{Tool: name, Outcome: OutcomeInvalidArguments, Duration: t.nowFunc().Sub(start), Err: verr})
			return nil, verr
		}
	}

	result, err := t.run(ctx, e, Args(args))
	rec := CallRecord{Tool: name, Outcome: OutcomeOK, Duration: t.nowFunc().Sub(start)}
	if err != nil {
		t.logger.Debug("Tool failed", "tool", name, "kind", relay.KindOf(err).String(), "error", err)
		result = ErrorResult(err)
		rec.Outcome = OutcomeToolError
		rec.Err = err
	} else if result.IsError {
		rec.Outcome = OutcomeToolError
	}
	t.record(rec)
	return result, nil
}

// InvokeJSON is Invoke for raw JSON arguments
func (t *Table) InvokeJSON(ctx context.Context, name string, raw json.RawMessage) (*mcplib.CallToolResult, error) {
	args := map[string]interface{}{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, relay.NewValidationError(err, "arguments for tool %s must be a JSON object", name)
		}
	}
	return t.Invoke(ctx, name, args)
}

// run calls the handler, turning a panic into an error
func (t *Table) run(ctx context.Context, e *entry, args Args) (result *mcplib.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Tool handler panic", "tool", e.desc.Tool.Name, "panic", r)
			result = nil
			err = fmt.Errorf("internal error in %s: %v", e.desc.Tool.Name, r)
		}
	}()

	result, err = e.desc.Handler(ctx, t.hc, args)
	if err == nil && result == nil {
		result = TextResult("")
	}
	return result, err
}

func (t *Table) record(rec CallRecord) {
	t.mu.RLock()
	observers := t.onCall
	t.mu.RUnlock()
	for _, fn := range observers {
		fn(rec)
	}
}

// Install exposes every tool on an mcp-go server. Invalid arguments reach the
// client as an isError result rather than a protocol error.
func (t *Table) Install(srv *server.MCPServer) {
	for _, tool := range t.Tools() {
		name := tool.Name
		srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			result, err := t.Invoke(ctx, name, request.GetArguments())
			if err != nil {
				return ErrorResult(err), nil
			}
			return result, nil
		})
	}
}
