package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/standardbeagle/browser-relay/internal/relay"
)

func contentTools() []Descriptor {
	return []Descriptor{
		{
			Tool: mcplib.NewTool("get_content",
				mcplib.WithDescription("Get the HTML content of the page or a specific element"),
				mcplib.WithString("selector", mcplib.Description("Element to read; the whole page when omitted")),
			),
			Handler: getContent,
		},
		{
			Tool: mcplib.NewTool("get_attribute",
				mcplib.WithDescription("Get the value of a specific attribute for an element"),
				mcplib.WithString("selector", mcplib.Required()),
				mcplib.WithString("attribute", mcplib.Required()),
			),
			Handler: getAttribute,
		},
		{
			Tool: mcplib.NewTool("getCurrentState",
				mcplib.WithDescription("Get the URL and title of the current active tab"),
			),
			Handler: getCurrentState,
		},
		{
			Tool: mcplib.NewTool("execute_script",
				mcplib.WithDescription("Execute custom JavaScript code on the page"),
				mcplib.WithString("script", mcplib.Required(), mcplib.Description("JavaScript source to evaluate")),
			),
			Handler: forwardJSON("execute_script", "script"),
		},
		{
			Tool: mcplib.NewTool("snapshot",
				mcplib.WithDescription("Take a snapshot of the current page state (DOM/ARIA)"),
			),
			Handler: snapshot,
		},
		{
			Tool: mcplib.NewTool("screenshot",
				mcplib.WithDescription("Take a screenshot of the current visible tab"),
			),
			Handler: screenshot,
		},
		{
			Tool: mcplib.NewTool("getConsoleLogs",
				mcplib.WithDescription("Get browser console logs"),
				mcplib.WithNumber("limit", integer(), mcplib.Min(1), mcplib.Description("Maximum number of entries")),
				mcplib.WithString("level", mcplib.Enum("info", "warn", "error", "debug")),
			),
			Handler: getConsoleLogs,
		},
	}
}

func getContent(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	raw, err := hc.InvokeBrowserAction(ctx, "get_content", args.Payload("selector"))
	if err != nil {
		return nil, err
	}
	return TextResult(relay.StringField(raw, "content")), nil
}

func getAttribute(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	raw, err := hc.InvokeBrowserAction(ctx, "get_attribute", args.Payload("selector", "attribute"))
	if err != nil {
		return nil, err
	}
	return TextResult(fmt.Sprintf("%s of %s: %s", args.String("attribute"), args.String("selector"), relay.StringField(raw, "value"))), nil
}

func getCurrentState(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	raw, err := hc.InvokeBrowserAction(ctx, "getCurrentState", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var state struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unexpected page state from extension: %w", err)
	}
	return TextResult(fmt.Sprintf("URL: %s\nTitle: %s", state.URL, state.Title)), nil
}

func snapshot(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	snap, err := pageSnapshot(ctx, hc)
	if err != nil {
		return nil, err
	}
	return TextResult(snap), nil
}

func screenshot(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	raw, err := hc.InvokeBrowserAction(ctx, "screenshot", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	data := relay.StringField(raw, "data")
	if data == "" {
		return nil, fmt.Errorf("extension returned an empty screenshot")
	}
	return ImageResult(data), nil
}

func getConsoleLogs(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	raw, err := hc.InvokeBrowserAction(ctx, "getConsoleLogs", args.Payload("limit", "level"))
	if err != nil {
		return nil, err
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return JSONResult(raw), nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, string(e))
	}
	return TextResult(strings.Join(lines, "\n")), nil
}

// forwardJSON sends the named arguments to action and renders its result as
// JSON text
func forwardJSON(action string, keys ...string) Handler {
	return func(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
		raw, err := hc.InvokeBrowserAction(ctx, action, args.Payload(keys...))
		if err != nil {
			return nil, err
		}
		return JSONResult(raw), nil
	}
}

// confirm sends the named arguments to action and reports status on success
func confirm(action, status string, keys ...string) Handler {
	return func(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
		if _, err := hc.InvokeBrowserAction(ctx, action, args.Payload(keys...)); err != nil {
			return nil, err
		}
		vals := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			vals = append(vals, args[k])
		}
		return TextResult(fmt.Sprintf(status, vals...)), nil
	}
}
