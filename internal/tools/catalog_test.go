package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/browser-relay/internal/relay"
)

func newCatalogTable(t *testing.T) (*Table, *fakeBrowser) {
	t.Helper()
	fb := newFakeBrowser()
	table, err := NewBrowserTable(fb, nil)
	require.NoError(t, err)
	return table, fb
}

func TestCatalogNames(t *testing.T) {
	table, _ := newCatalogTable(t)

	required := []string{
		"navigate", "refreshPage", "click", "hover", "type", "scroll",
		"get_content", "get_attribute", "getCurrentState", "execute_script",
		"getAllTabs", "createTab", "closeTab", "focusTab",
		"getAllWindows", "createWindow", "closeWindow", "focusWindow",
		"getCookies", "setCookie", "deleteCookie",
		"getStorageItem", "setStorageItem", "deleteStorageItem",
		"searchHistory", "deleteHistoryUrl", "createBookmark", "searchBookmarks",
		"snapshot", "wait", "screenshot", "clearBrowsingData",
	}
	names := table.Names()
	for _, name := range required {
		assert.Contains(t, names, name)
	}
	assert.Len(t, table.Tools(), len(Catalog()))
}

func TestCatalogDuplicateIsStartupError(t *testing.T) {
	table, _ := newCatalogTable(t)
	err := table.RegisterAll(Catalog()...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestNavigate(t *testing.T) {
	table, fb := newCatalogTable(t)

	result, err := table.Invoke(context.Background(), "navigate", map[string]interface{}{"url": "https://example.com"})
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Contains(t, resultText(t, result, 0), "https://example.com")
	snap := resultText(t, result, 1)
	assert.Contains(t, snap, "- Page URL: https://example.com/")
	assert.Contains(t, snap, "- Page Title: Example Domain")
	assert.Contains(t, snap, "```yaml\n- heading \"Example Domain\"\n```")

	c, ok := fb.first("navigate")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"url": "https://example.com"}, c.Payload)
}

func TestNavigateRejectsBadURL(t *testing.T) {
	table, fb := newCatalogTable(t)

	for _, bad := range []string{"not a url", "example.com", "https://"} {
		_, err := table.Invoke(context.Background(), "navigate", map[string]interface{}{"url": bad})
		assert.True(t, relay.IsKind(err, relay.KindValidation), "url %q: %v", bad, err)
	}
	assert.Empty(t, fb.actions())
}

func TestSnapshotFailureKeepsConfirmation(t *testing.T) {
	table, fb := newCatalogTable(t)
	fb.failures["snapshot"] = errors.New("content script unavailable")

	result, err := table.Invoke(context.Background(), "click", map[string]interface{}{"selector": "#btn"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "Clicked element: #btn", resultText(t, result, 0))
	assert.Contains(t, resultText(t, result, 1), "content script unavailable")
}

func TestScrollNeedsDirectionOrSelector(t *testing.T) {
	table, fb := newCatalogTable(t)

	_, err := table.Invoke(context.Background(), "scroll", map[string]interface{}{"amount": 100})
	assert.True(t, relay.IsKind(err, relay.KindValidation))

	_, err = table.Invoke(context.Background(), "scroll", map[string]interface{}{"direction": "sideways"})
	assert.True(t, relay.IsKind(err, relay.KindValidation))
	assert.Empty(t, fb.actions())

	result, err := table.Invoke(context.Background(), "scroll", map[string]interface{}{"direction": "down", "amount": 300})
	require.NoError(t, err)
	assert.Equal(t, "Scrolled down by 300px", resultText(t, result, 0))
}

func TestScreenshotImageBlock(t *testing.T) {
	table, fb := newCatalogTable(t)
	fb.replies["screenshot"] = "iVBORw0KGgo="

	result, err := table.Invoke(context.Background(), "screenshot", nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	img, ok := result.Content[0].(mcplib.ImageContent)
	require.True(t, ok, "got %T", result.Content[0])
	assert.Equal(t, "iVBORw0KGgo=", img.Data)
	assert.Equal(t, "image/png", img.MIMEType)

	c, _ := fb.first("screenshot")
	assert.Equal(t, map[string]interface{}{}, c.Payload)
}

func TestScreenshotWithoutDataIsToolError(t *testing.T) {
	table, _ := newCatalogTable(t)

	result, err := table.Invoke(context.Background(), "screenshot", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: extension returned an empty screenshot", resultText(t, result, 0))
}

func TestContentAcksWithoutFieldAreEmpty(t *testing.T) {
	table, fb := newCatalogTable(t)
	ctx := context.Background()

	result, err := table.Invoke(ctx, "get_content", map[string]interface{}{"selector": "main"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "", resultText(t, result, 0))

	result, err = table.Invoke(ctx, "get_attribute", map[string]interface{}{"selector": "a", "attribute": "href"})
	require.NoError(t, err)
	assert.Equal(t, "href of a: ", resultText(t, result, 0))

	fb.replies["get_content"] = map[string]string{"content": "hello"}
	result, err = table.Invoke(ctx, "get_content", map[string]interface{}{"selector": "main"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resultText(t, result, 0))
}

func TestScreenshotDataURL(t *testing.T) {
	result := ImageResult("data:image/jpeg;base64,/9j/4AAQ")
	img := result.Content[0].(mcplib.ImageContent)
	assert.Equal(t, "/9j/4AAQ", img.Data)
	assert.Equal(t, "image/jpeg", img.MIMEType)
}

func TestGetCurrentState(t *testing.T) {
	table, fb := newCatalogTable(t)
	fb.replies["getCurrentState"] = map[string]string{"url": "https://go.dev/", "title": "Go"}

	result, err := table.Invoke(context.Background(), "getCurrentState", nil)
	require.NoError(t, err)
	assert.Equal(t, "URL: https://go.dev/\nTitle: Go", resultText(t, result, 0))
}

func TestDefaultsApplied(t *testing.T) {
	table, fb := newCatalogTable(t)
	ctx := context.Background()

	_, err := table.Invoke(ctx, "createTab", nil)
	require.NoError(t, err)
	c, _ := fb.first("create_tab")
	assert.Equal(t, true, c.Payload["active"])

	_, err = table.Invoke(ctx, "createWindow", map[string]interface{}{"focused": false})
	require.NoError(t, err)
	c, _ = fb.first("createWindow")
	assert.Equal(t, false, c.Payload["focused"])
	assert.Equal(t, "normal", c.Payload["type"])

	_, err = table.Invoke(ctx, "getStorageItem", map[string]interface{}{"key": "token"})
	require.NoError(t, err)
	c, _ = fb.first("getStorageItem")
	assert.Equal(t, "local", c.Payload["storageType"])

	_, err = table.Invoke(ctx, "searchHistory", map[string]interface{}{"text": "go"})
	require.NoError(t, err)
	c, _ = fb.first("searchHistory")
	assert.Equal(t, float64(100), c.Payload["maxResults"])
}

func TestTabIDMustBeInteger(t *testing.T) {
	table, fb := newCatalogTable(t)

	_, err := table.Invoke(context.Background(), "closeTab", map[string]interface{}{"tabId": 1.5})
	assert.True(t, relay.IsKind(err, relay.KindValidation))

	result, err := table.Invoke(context.Background(), "closeTab", map[string]interface{}{"tabId": 7})
	require.NoError(t, err)
	assert.Equal(t, "Closed tab 7", resultText(t, result, 0))
	c, _ := fb.first("close_tab")
	assert.Equal(t, float64(7), c.Payload["tabId"])
}

func TestClearBrowsingData(t *testing.T) {
	table, fb := newCatalogTable(t)
	ctx := context.Background()

	_, err := table.Invoke(ctx, "clearBrowsingData", map[string]interface{}{"dataTypes": []string{}})
	assert.True(t, relay.IsKind(err, relay.KindValidation))
	_, err = table.Invoke(ctx, "clearBrowsingData", map[string]interface{}{"dataTypes": []string{"bogus"}})
	assert.True(t, relay.IsKind(err, relay.KindValidation))
	assert.Empty(t, fb.actions())

	result, err := table.Invoke(ctx, "clearBrowsingData", map[string]interface{}{"dataTypes": []string{"cache", "cookies"}})
	require.NoError(t, err)
	assert.Equal(t, "Cleared browsing data: cache, cookies", resultText(t, result, 0))

	fb.replies["clearBrowsingData"] = map[string]interface{}{"success": true, "message": "done"}
	result, err = table.Invoke(ctx, "clearBrowsingData", map[string]interface{}{"dataTypes": []string{"history"}})
	require.NoError(t, err)
	assert.Equal(t, "Cleared browsing data: history\ndone", resultText(t, result, 0))
}

func TestWait(t *testing.T) {
	table, fb := newCatalogTable(t)

	result, err := table.Invoke(context.Background(), "wait", map[string]interface{}{"time": 250})
	require.NoError(t, err)
	assert.Equal(t, "Waited for 250ms", resultText(t, result, 0))
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, fb.waited)

	_, err = table.Invoke(context.Background(), "wait", map[string]interface{}{"time": -1})
	assert.True(t, relay.IsKind(err, relay.KindValidation))
	_, err = table.Invoke(context.Background(), "wait", map[string]interface{}{"time": 120000})
	assert.True(t, relay.IsKind(err, relay.KindValidation))
}

func TestExtensionErrorBecomesToolError(t *testing.T) {
	table, fb := newCatalogTable(t)
	fb.failures["get_attribute"] = &relay.ActionError{Action: "get_attribute", Message: "Element not found: #nope"}

	result, err := table.Invoke(context.Background(), "get_attribute", map[string]interface{}{"selector": "#nope", "attribute": "href"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: Element not found: #nope", resultText(t, result, 0))
}

func TestJSONResultFormatting(t *testing.T) {
	table, fb := newCatalogTable(t)
	fb.replies["getAllTabs"] = []map[string]interface{}{{"id": 1, "title": "Go"}}

	result, err := table.Invoke(context.Background(), "getAllTabs", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1,"title":"Go"}]`, resultText(t, result, 0))
	assert.Contains(t, resultText(t, result, 0), "\n  ")
}
