package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/browser-relay/internal/relay"
)

// TextResult is a result with one text block
func TextResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.NewTextContent(text)},
	}
}

// JSONResult renders an extension result as indented JSON text. Plain JSON
// strings are returned unquoted.
func JSONResult(raw json.RawMessage) *mcplib.CallToolResult {
	return TextResult(formatJSON(raw))
}

// ImageResult wraps base64 image data. A data URL prefix is stripped and its
// media type kept.
func ImageResult(data string) *mcplib.CallToolResult {
	mime := "image/png"
	if strings.HasPrefix(data, "data:") {
		if comma := strings.Index(data, ","); comma > 0 {
			header := data[len("data:"):comma]
			if semi := strings.Index(header, ";"); semi > 0 {
				mime = header[:semi]
			}
			data = data[comma+1:]
		}
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.NewImageContent(data, mime)},
	}
}

// ErrorResult turns err into an isError result
func ErrorResult(err error) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.NewTextContent("Error: " + err.Error())},
		IsError: true,
	}
}

func formatJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "null"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

// withSnapshot appends the page snapshot to a confirmation message. The
// confirmation survives when the snapshot cannot be taken.
func withSnapshot(ctx context.Context, hc HandlerContext, status string) *mcplib.CallToolResult {
	snap, err := pageSnapshot(ctx, hc)
	if err != nil {
		return &mcplib.CallToolResult{Content: []mcplib.Content{
			mcplib.NewTextContent(status),
			mcplib.NewTextContent(fmt.Sprintf("Snapshot unavailable: %v", err)),
		}}
	}
	return &mcplib.CallToolResult{Content: []mcplib.Content{
		mcplib.NewTextContent(status),
		mcplib.NewTextContent(snap),
	}}
}

// pageSnapshot fetches URL, title and accessibility snapshot of the active tab
func pageSnapshot(ctx context.Context, hc HandlerContext) (string, error) {
	if !hc.IsConnected() {
		return "", relay.NotConnectedError("snapshot")
	}

	var url, title, snapshot json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		url, err = hc.InvokeBrowserAction(gctx, "getUrl", nil)
		return err
	})
	g.Go(func() (err error) {
		title, err = hc.InvokeBrowserAction(gctx, "getTitle", nil)
		return err
	})
	g.Go(func() (err error) {
		snapshot, err = hc.InvokeBrowserAction(gctx, "snapshot", map[string]interface{}{})
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	var missing []string
	for name, raw := range map[string]json.RawMessage{"URL": url, "Title": title, "Snapshot": snapshot} {
		if len(raw) == 0 || string(raw) == "null" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("extension returned incomplete page state (%s missing)", strings.Join(missing, ", "))
	}

	return fmt.Sprintf("- Page URL: %s\n- Page Title: %s\n- Page Snapshot\n```yaml\n%s\n```",
		relay.DecodeText(url, "url"),
		relay.DecodeText(title, "title"),
		formatJSON(snapshot),
	), nil
}
