package tools

import (
	"context"
	"fmt"
	"net/url"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// MaxWait caps the wait tool
const MaxWait = 60 * time.Second

func navigationTools() []Descriptor {
	return []Descriptor{
		{
			Tool: mcplib.NewTool("navigate",
				mcplib.WithDescription("Navigate to a specified URL"),
				mcplib.WithString("url", mcplib.Required(), mcplib.Description("Absolute URL to open in the active tab")),
			),
			Check:   requireURL("url"),
			Handler: navigate,
		},
		{
			Tool: mcplib.NewTool("refreshPage",
				mcplib.WithDescription("Refresh the current active tab"),
			),
			Handler: snapshotAction("refreshPage", "Refreshed the current page"),
		},
		{
			Tool: mcplib.NewTool("goBack",
				mcplib.WithDescription("Navigate back in browser history"),
			),
			Handler: snapshotAction("goBack", "Navigated back in browser history"),
		},
		{
			Tool: mcplib.NewTool("goForward",
				mcplib.WithDescription("Navigate forward in browser history"),
			),
			Handler: snapshotAction("goForward", "Navigated forward in browser history"),
		},
		{
			Tool: mcplib.NewTool("pressKey",
				mcplib.WithDescription("Press a keyboard key"),
				mcplib.WithString("key", mcplib.Required(), mcplib.MinLength(1), mcplib.Description("Key name, e.g. Enter or ArrowDown")),
			),
			Handler: pressKey,
		},
		{
			Tool: mcplib.NewTool("wait",
				mcplib.WithDescription("Wait for a specified duration, then snapshot the page"),
				mcplib.WithNumber("time", mcplib.Required(), mcplib.Min(0), mcplib.Max(float64(MaxWait.Milliseconds())),
					mcplib.Description("Milliseconds to wait")),
			),
			Handler: wait,
		},
	}
}

func navigate(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	target := args.String("url")
	if _, err := hc.InvokeBrowserAction(ctx, "navigate", map[string]interface{}{"url": target}); err != nil {
		return nil, err
	}
	return withSnapshot(ctx, hc, "Navigated to "+target), nil
}

func pressKey(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	key := args.String("key")
	if _, err := hc.InvokeBrowserAction(ctx, "pressKey", map[string]interface{}{"key": key}); err != nil {
		return nil, err
	}
	return withSnapshot(ctx, hc, fmt.Sprintf("Pressed key %q", key)), nil
}

func wait(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	ms := args.Float("time", 0)
	if err := hc.Wait(ctx, time.Duration(ms*float64(time.Millisecond))); err != nil {
		return nil, err
	}
	return withSnapshot(ctx, hc, fmt.Sprintf("Waited for %vms", ms)), nil
}

// snapshotAction sends action with an empty payload and reports status with a
// page snapshot
func snapshotAction(action, status string) Handler {
	return func(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
		if _, err := hc.InvokeBrowserAction(ctx, action, map[string]interface{}{}); err != nil {
			return nil, err
		}
		return withSnapshot(ctx, hc, status), nil
	}
}

// requireURL checks that each present key holds an absolute URL
func requireURL(keys ...string) func(Args) error {
	return func(args Args) error {
		for _, key := range keys {
			if !args.Has(key) {
				continue
			}
			if err := checkURL(args.String(key)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	}
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("invalid URL format: %q has no scheme", raw)
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return fmt.Errorf("invalid URL format: %q has no host", raw)
	}
	return nil
}
