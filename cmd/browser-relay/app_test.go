package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/browser-relay/internal/config"
	"github.com/standardbeagle/browser-relay/internal/discovery"
	"github.com/standardbeagle/browser-relay/internal/logging"
	"github.com/standardbeagle/browser-relay/internal/mcp"
	"github.com/standardbeagle/browser-relay/internal/relay"
	"github.com/standardbeagle/browser-relay/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Extension.Port = 0
	cfg.Server.JSONResponse = true
	cfg.Discovery.Dir = t.TempDir()
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := NewApp(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	})
	return app
}

func post(t *testing.T, url, session, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if session != "" {
		req.Header.Set(mcp.HeaderSessionID, session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var msg map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return msg
}

func TestAppEndToEnd(t *testing.T) {
	app := startApp(t, testConfig(t))

	ext := testutil.DialExtension(t, app.ControlURL(), func(a testutil.Action) (interface{}, string, bool) {
		switch a.Type {
		case "getUrl":
			return "https://example.com/", "", false
		case "getTitle":
			return "Example Domain", "", false
		case "snapshot":
			return "- heading \"Example Domain\"", "", false
		}
		return testutil.Echo(a)
	})
	testutil.WaitForState(t, time.Second, app.channel.State, relay.StateOpen)

	resp := post(t, app.HTTPURL(), "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := resp.Header.Get(mcp.HeaderSessionID)
	require.NotEmpty(t, session)
	init := decode(t, resp)
	serverInfo := init["result"].(map[string]interface{})["serverInfo"].(map[string]interface{})
	assert.Equal(t, serverName, serverInfo["name"])

	resp = post(t, app.HTTPURL(), session, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"navigate","arguments":{"url":"https://example.com"}}}`)
	msg := decode(t, resp)
	result := msg["result"].(map[string]interface{})
	assert.NotEqual(t, true, result["isError"])
	content := result["content"].([]interface{})
	assert.Contains(t, content[0].(map[string]interface{})["text"], "https://example.com")
	assert.Equal(t, "navigate", ext.Next(t, time.Second).Type)

	// health reflects the session and the extension
	hresp, err := http.Get(strings.TrimSuffix(app.HTTPURL(), "/mcp") + "/health")
	require.NoError(t, err)
	var report mcp.HealthReport
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&report))
	hresp.Body.Close()
	assert.Equal(t, "healthy", report.Status)
	assert.True(t, report.Extension.Connected)
	assert.Len(t, report.Sessions, 1)

	// metrics saw the call
	mresp, err := http.Get(strings.TrimSuffix(app.HTTPURL(), "/mcp") + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(mresp.Body)
	mresp.Body.Close()
	assert.Contains(t, string(body), `browser_relay_tool_calls_total{outcome="ok",tool="navigate"} 1`)
}

func TestAppRegistersForStatus(t *testing.T) {
	cfg := testConfig(t)
	app := startApp(t, cfg)

	store := discovery.NewStore(cfg.InstancesDir())
	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, app.HTTPURL(), list[0].HTTPURL)
	assert.Equal(t, app.ControlURL(), list[0].ControlURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))

	list, err = store.List()
	require.NoError(t, err)
	assert.Empty(t, list, "shutdown unregisters")
}

func TestAppShutdownRejectsPendingCalls(t *testing.T) {
	app := startApp(t, testConfig(t))
	testutil.DialExtension(t, app.ControlURL(), func(testutil.Action) (interface{}, string, bool) {
		return nil, "", true
	})
	testutil.WaitForState(t, time.Second, app.channel.State, relay.StateOpen)

	errc := make(chan error, 1)
	go func() {
		_, err := app.service.InvokeBrowserAction(context.Background(), "click", map[string]string{"selector": "#a"})
		errc <- err
	}()
	testutil.WaitForCount(t, time.Second, app.channel.Registry().Len, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))

	err := testutil.Receive(t, errc, time.Second)
	assert.True(t, relay.IsKind(err, relay.KindShutdown), "got %v", err)
}

func TestAppStartFailsWhenPortTaken(t *testing.T) {
	first := startApp(t, testConfig(t))
	_, portStr, err := net.SplitHostPort(first.channel.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Extension.Port = port
	app, err := NewApp(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	t.Cleanup(app.bus.Shutdown)

	err = app.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control channel")
	assert.Nil(t, app.http.Addr(), "HTTP server never started")
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv(config.EnvLogLevel, "")
	t.Setenv(config.EnvLegacyLogLevel, "")
	configPath = filepath.Join(t.TempDir(), "absent.toml")
	t.Cleanup(func() {
		configPath, debugMode = "", false
		serveCmd.Flags().Set("port", "0")
		serveCmd.Flags().Set("json-response", "false")
		for _, name := range []string{"port", "json-response"} {
			serveCmd.Flags().Lookup(name).Changed = false
		}
	})

	require.NoError(t, serveCmd.Flags().Set("port", "4100"))
	require.NoError(t, serveCmd.Flags().Set("json-response", "true"))
	debugMode = true

	cfg, err := loadConfig(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Extension.Port, "unset flags keep config values")
	assert.True(t, cfg.Server.JSONResponse)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestToolsCommandListsCatalog(t *testing.T) {
	var out bytes.Buffer
	toolsCmd.SetOut(&out)
	defer toolsCmd.SetOut(nil)

	require.NoError(t, runTools(toolsCmd, nil))
	text := out.String()
	for _, name := range []string{"navigate", "click", "screenshot", "getAllTabs", "clearBrowsingData"} {
		assert.Contains(t, text, name)
	}
}
