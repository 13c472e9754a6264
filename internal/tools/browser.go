package tools

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func tabTools() []Descriptor {
	return []Descriptor{
		{
			Tool: mcplib.NewTool("getAllTabs",
				mcplib.WithDescription("Get information about all open tabs"),
			),
			Handler: forwardJSON("getAllTabs"),
		},
		{
			Tool: mcplib.NewTool("createTab",
				mcplib.WithDescription("Create a new tab"),
				mcplib.WithString("url", mcplib.Description("URL to open in the new tab")),
				mcplib.WithBoolean("active", defaultValue(true), mcplib.Description("Whether the new tab becomes active")),
			),
			Check:   requireURL("url"),
			Handler: createTab,
		},
		{
			Tool: mcplib.NewTool("closeTab",
				mcplib.WithDescription("Close a specific tab"),
				mcplib.WithNumber("tabId", mcplib.Required(), integer()),
			),
			Handler: confirm("close_tab", "Closed tab %v", "tabId"),
		},
		{
			Tool: mcplib.NewTool("focusTab",
				mcplib.WithDescription("Focus on a specific tab"),
				mcplib.WithNumber("tabId", mcplib.Required(), integer()),
			),
			Handler: confirm("focus_tab", "Focused tab %v", "tabId"),
		},
	}
}

func windowTools() []Descriptor {
	return []Descriptor{
		{
			Tool: mcplib.NewTool("getAllWindows",
				mcplib.WithDescription("Get information about all open browser windows"),
			),
			Handler: forwardJSON("getAllWindows"),
		},
		{
			Tool: mcplib.NewTool("createWindow",
				mcplib.WithDescription("Create a new browser window"),
				mcplib.WithString("url", mcplib.Description("URL to open in the new window")),
				mcplib.WithBoolean("focused", defaultValue(true)),
				mcplib.WithString("type", mcplib.Enum("normal", "popup", "panel"), defaultValue("normal")),
			),
			Check:   requireURL("url"),
			Handler: createWindow,
		},
		{
			Tool: mcplib.NewTool("closeWindow",
				mcplib.WithDescription("Close a specific browser window"),
				mcplib.WithNumber("windowId", mcplib.Required(), integer()),
			),
			Handler: confirm("closeWindow", "Closed window %v", "windowId"),
		},
		{
			Tool: mcplib.NewTool("focusWindow",
				mcplib.WithDescription("Focus on a specific browser window"),
				mcplib.WithNumber("windowId", mcplib.Required(), integer()),
			),
			Handler: confirm("focusWindow", "Focused window %v", "windowId"),
		},
	}
}

func createTab(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	payload := args.Payload("url")
	payload["active"] = args.Bool("active", true)
	raw, err := hc.InvokeBrowserAction(ctx, "create_tab", payload)
	if err != nil {
		return nil, err
	}
	return JSONResult(raw), nil
}

func createWindow(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	payload := args.Payload("url")
	payload["focused"] = args.Bool("focused", true)
	payload["type"] = args.StringDefault("type", "normal")
	raw, err := hc.InvokeBrowserAction(ctx, "createWindow", payload)
	if err != nil {
		return nil, err
	}
	return JSONResult(raw), nil
}
