package tools

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func historyTools() []Descriptor {
	return []Descriptor{
		{
			Tool: mcplib.NewTool("searchHistory",
				mcplib.WithDescription("Search browser history"),
				mcplib.WithString("text", mcplib.Required(), mcplib.Description("Text to match; empty matches everything")),
				mcplib.WithNumber("startTime", mcplib.Description("Unix timestamp in milliseconds")),
				mcplib.WithNumber("endTime", mcplib.Description("Unix timestamp in milliseconds")),
				mcplib.WithNumber("maxResults", integer(), mcplib.Min(1), defaultValue(100)),
			),
			Handler: searchHistory,
		},
		{
			Tool: mcplib.NewTool("deleteHistoryUrl",
				mcplib.WithDescription("Delete a specific URL from browser history"),
				mcplib.WithString("url", mcplib.Required()),
			),
			Check:   requireURL("url"),
			Handler: confirm("deleteHistoryUrl", "Deleted %v from history", "url"),
		},
		{
			Tool: mcplib.NewTool("createBookmark",
				mcplib.WithDescription("Create a new bookmark"),
				mcplib.WithString("title"),
				mcplib.WithString("url", mcplib.Required()),
				mcplib.WithString("parentId", mcplib.Description("ID of the parent folder")),
			),
			Check:   requireURL("url"),
			Handler: forwardJSON("createBookmark", "title", "url", "parentId"),
		},
		{
			Tool: mcplib.NewTool("searchBookmarks",
				mcplib.WithDescription("Search bookmarks"),
				mcplib.WithString("query", mcplib.Required()),
			),
			Handler: forwardJSON("searchBookmarks", "query"),
		},
	}
}

func searchHistory(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	maxResults, err := args.Int("maxResults", 100)
	if err != nil {
		return nil, err
	}
	payload := args.Payload("text", "startTime", "endTime")
	payload["maxResults"] = maxResults
	raw, err := hc.InvokeBrowserAction(ctx, "searchHistory", payload)
	if err != nil {
		return nil, err
	}
	return JSONResult(raw), nil
}
