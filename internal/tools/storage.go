package tools

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/standardbeagle/browser-relay/internal/relay"
)

// BrowsingDataTypes are the kinds clearBrowsingData accepts
var BrowsingDataTypes = []string{
	"appcache", "cache", "cookies", "downloads", "fileSystems",
	"formData", "history", "indexedDB", "localStorage",
	"pluginData", "passwords", "serviceWorkers", "webSQL",
}

func storageTools() []Descriptor {
	storageType := func() mcplib.ToolOption {
		return mcplib.WithString("storageType", mcplib.Enum("local", "session"), defaultValue("local"))
	}

	return []Descriptor{
		{
			Tool: mcplib.NewTool("getCookies",
				mcplib.WithDescription("Get cookies for a specific URL"),
				mcplib.WithString("url"),
				mcplib.WithString("name"),
				mcplib.WithString("domain"),
				mcplib.WithString("path"),
			),
			Check:   requireURL("url"),
			Handler: forwardJSON("getCookies", "url", "name", "domain", "path"),
		},
		{
			Tool: mcplib.NewTool("setCookie",
				mcplib.WithDescription("Set a cookie"),
				mcplib.WithString("url", mcplib.Required()),
				mcplib.WithString("name", mcplib.Required()),
				mcplib.WithString("value", mcplib.Required()),
				mcplib.WithString("domain"),
				mcplib.WithString("path"),
				mcplib.WithBoolean("secure"),
				mcplib.WithBoolean("httpOnly"),
				mcplib.WithNumber("expirationDate", mcplib.Description("Unix timestamp in seconds")),
			),
			Check:   requireURL("url"),
			Handler: forwardJSON("setCookie", "url", "name", "value", "domain", "path", "secure", "httpOnly", "expirationDate"),
		},
		{
			Tool: mcplib.NewTool("deleteCookie",
				mcplib.WithDescription("Delete a cookie"),
				mcplib.WithString("url", mcplib.Required()),
				mcplib.WithString("name", mcplib.Required()),
			),
			Check:   requireURL("url"),
			Handler: confirm("deleteCookie", "Deleted cookie %[2]v for %[1]v", "url", "name"),
		},
		{
			Tool: mcplib.NewTool("getStorageItem",
				mcplib.WithDescription("Get an item from local or session storage"),
				mcplib.WithString("key", mcplib.Required()),
				storageType(),
			),
			Handler: getStorageItem,
		},
		{
			Tool: mcplib.NewTool("setStorageItem",
				mcplib.WithDescription("Set an item in local or session storage"),
				mcplib.WithString("key", mcplib.Required()),
				mcplib.WithString("value", mcplib.Required()),
				storageType(),
			),
			Handler: setStorageItem,
		},
		{
			Tool: mcplib.NewTool("deleteStorageItem",
				mcplib.WithDescription("Delete an item from local or session storage"),
				mcplib.WithString("key", mcplib.Required()),
				storageType(),
			),
			Handler: deleteStorageItem,
		},
		{
			Tool: mcplib.NewTool("clearBrowsingData",
				mcplib.WithDescription("Clear browsing data"),
				mcplib.WithArray("dataTypes", mcplib.Required(),
					mcplib.Items(map[string]interface{}{"type": "string", "enum": BrowsingDataTypes}),
					minItems(1),
				),
				mcplib.WithNumber("since", mcplib.Description("Unix timestamp in milliseconds")),
			),
			Handler: clearBrowsingData,
		},
	}
}

func storagePayload(args Args, keys ...string) map[string]interface{} {
	payload := args.Payload(keys...)
	payload["storageType"] = args.StringDefault("storageType", "local")
	return payload
}

func getStorageItem(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	raw, err := hc.InvokeBrowserAction(ctx, "getStorageItem", storagePayload(args, "key"))
	if err != nil {
		return nil, err
	}
	return TextResult(fmt.Sprintf("%s[%s] = %s", args.StringDefault("storageType", "local")+"Storage", args.String("key"), formatJSON(raw))), nil
}

func setStorageItem(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	if _, err := hc.InvokeBrowserAction(ctx, "setStorageItem", storagePayload(args, "key", "value")); err != nil {
		return nil, err
	}
	return TextResult(fmt.Sprintf("Set %s in %s storage", args.String("key"), args.StringDefault("storageType", "local"))), nil
}

func deleteStorageItem(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	if _, err := hc.InvokeBrowserAction(ctx, "deleteStorageItem", storagePayload(args, "key")); err != nil {
		return nil, err
	}
	return TextResult(fmt.Sprintf("Deleted %s from %s storage", args.String("key"), args.StringDefault("storageType", "local"))), nil
}

func clearBrowsingData(ctx context.Context, hc HandlerContext, args Args) (*mcplib.CallToolResult, error) {
	raw, err := hc.InvokeBrowserAction(ctx, "clearBrowsingData", args.Payload("dataTypes", "since"))
	if err != nil {
		return nil, err
	}
	types, _ := args["dataTypes"].([]interface{})
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, fmt.Sprint(t))
	}
	text := "Cleared browsing data: " + strings.Join(names, ", ")
	if msg := relay.StringField(raw, "message"); msg != "" {
		text += "\n" + msg
	}
	return TextResult(text), nil
}

func minItems(n int) mcplib.PropertyOption {
	return func(schema map[string]interface{}) {
		schema["minItems"] = n
	}
}
