package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	// HeaderSessionID carries the session ID on requests and responses
	HeaderSessionID = "Mcp-Session-Id"
	// QuerySessionID is the query parameter fallback for clients that cannot
	// set headers, such as EventSource
	QuerySessionID = "sessionId"

	// DefaultHeartbeat is the interval between keep-alive comments on GET streams
	DefaultHeartbeat = 30 * time.Second

	maxBodySize = 4 << 20

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
	codeServerError    = -32000
)

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type errorResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Error   rpcError    `json:"error"`
	ID      interface{} `json:"id"`
}

// probe is the part of a JSON-RPC message needed for routing
type probe struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

func (p probe) isRequest() bool {
	return p.Method != "" && len(p.ID) > 0 && string(p.ID) != "null"
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Jsonrpc: "2.0",
		Error:   rpcError{Code: code, Message: message},
	})
}

// requestSessionID reads the session header, falling back to the query string
func requestSessionID(r *http.Request) string {
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return id
	}
	return r.URL.Query().Get(QuerySessionID)
}

// accepts reports whether the Accept header lists every wanted media type
// explicitly. Wildcards do not count.
func accepts(header string, wanted ...string) bool {
	offered := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		offered[mt] = true
	}
	for _, w := range wanted {
		if !offered[w] {
			return false
		}
	}
	return true
}

// splitMessages decodes a POST body into its JSON-RPC messages
func splitMessages(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return nil, errors.New("empty batch")
		}
		return batch, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid JSON")
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if !accepts(r.Header.Get("Accept"), "application/json", "text/event-stream") {
		writeError(w, http.StatusNotAcceptable, codeServerError,
			"Not Acceptable: Client must accept both application/json and text/event-stream")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, codeServerError,
				"Unsupported Media Type: Content-Type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeParseError, "Parse error")
		return
	}
	messages, err := splitMessages(body)
	if err != nil {
		s.logger.Debug("Rejected unparseable request", "error", err)
		writeError(w, http.StatusBadRequest, codeParseError, "Parse error")
		return
	}

	probes := make([]probe, len(messages))
	inits, requests := 0, 0
	for i, raw := range messages {
		_ = json.Unmarshal(raw, &probes[i])
		if probes[i].Method == string(mcplib.MethodInitialize) {
			inits++
		}
		if probes[i].isRequest() {
			requests++
		}
	}

	t, status, code, msg := s.resolvePostSession(r, inits, len(messages))
	if t == nil {
		writeError(w, status, code, msg)
		return
	}

	t.postMu.Lock()
	defer t.postMu.Unlock()

	if t.Closed() {
		writeError(w, http.StatusNotFound, codeServerError, "Session not found")
		return
	}
	t.touch(s.clock.Now())
	w.Header().Set(HeaderSessionID, t.id)

	ctx, cancel := t.bind(r.Context())
	defer cancel()
	ctx = s.mcp.WithContext(ctx, t)

	if requests == 0 {
		for _, raw := range messages {
			s.mcp.HandleMessage(ctx, raw)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if s.cfg.JSONResponse {
		s.respondJSON(ctx, w, t, messages, probes, len(messages) > 1 || isBatch(body))
		return
	}
	s.respondSSE(ctx, w, t, messages, probes)
}

// resolvePostSession finds or creates the transport for a POST. A nil
// transport comes with the HTTP status and JSON-RPC error to send.
func (s *Server) resolvePostSession(r *http.Request, inits, total int) (*Transport, int, int, string) {
	sessionID := requestSessionID(r)

	if inits > 0 {
		if inits > 1 || total > 1 {
			return nil, http.StatusBadRequest, codeInvalidRequest, "Invalid Request: Only one initialization request is allowed"
		}
		if sessionID != "" {
			if _, err := s.sessions.Lookup(sessionID); err == nil {
				return nil, http.StatusBadRequest, codeInvalidRequest, "Invalid Request: Server already initialized"
			}
			return nil, http.StatusBadRequest, codeServerError, "Bad Request: Server not initialized"
		}
		t, err := s.sessions.HandleInitialize(r.Context())
		if err != nil {
			s.logger.Error("Failed to create session", "error", err)
			return nil, http.StatusInternalServerError, codeInternalError, "Internal server error"
		}
		return t, 0, 0, ""
	}

	if sessionID == "" {
		return nil, http.StatusBadRequest, codeServerError, "Bad Request: Server not initialized"
	}
	t, err := s.sessions.Lookup(sessionID)
	if err != nil {
		return nil, http.StatusBadRequest, codeServerError, "Bad Request: Server not initialized"
	}
	return t, 0, 0, ""
}

// dispatch runs one message through the MCP server. Only requests produce a
// response.
func (s *Server) dispatch(ctx context.Context, t *Transport, raw json.RawMessage, p probe) ([]byte, bool) {
	resp := s.mcp.HandleMessage(ctx, raw)
	if !p.isRequest() || resp == nil {
		return nil, false
	}

	if p.Method == string(mcplib.MethodInitialize) {
		if _, failed := resp.(mcplib.JSONRPCError); failed {
			t.Close()
		} else {
			t.Initialize()
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", "method", p.Method, "error", err)
		data, _ = json.Marshal(errorResponse{
			Jsonrpc: "2.0",
			Error:   rpcError{Code: codeInternalError, Message: "Internal server error"},
			ID:      p.ID,
		})
	}
	return data, true
}

func (s *Server) respondJSON(ctx context.Context, w http.ResponseWriter, t *Transport, messages []json.RawMessage, probes []probe, batch bool) {
	var out []json.RawMessage
	for i, raw := range messages {
		if data, ok := s.dispatch(ctx, t, raw, probes[i]); ok {
			out = append(out, data)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if !batch && len(out) == 1 {
		w.Write(out[0])
		return
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) respondSSE(ctx context.Context, w http.ResponseWriter, t *Transport, messages []json.RawMessage, probes []probe) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternalError, "Internal server error")
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for i, raw := range messages {
		data, ok := s.dispatch(ctx, t, raw, probes[i])
		if !ok {
			continue
		}
		if err := writeSSE(w, flusher, "message", data); err != nil {
			s.logger.Debug("Client went away mid-response", "session", t.id, "error", err)
			return
		}
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolveExisting(w, r)
	if !ok {
		return
	}
	if !accepts(r.Header.Get("Accept"), "text/event-stream") {
		writeError(w, http.StatusNotAcceptable, codeServerError, "Not Acceptable: Client must accept text/event-stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternalError, "Internal server error")
		return
	}
	if !t.claimStream() {
		writeError(w, http.StatusConflict, codeServerError, "Conflict: Only one SSE stream is allowed per session")
		return
	}
	defer func() {
		t.touch(s.clock.Now())
		t.releaseStream()
	}()
	t.touch(s.clock.Now())

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": MCP Streamable HTTP Transport\n: Session-Id: %s\n\n", t.id)
	flusher.Flush()

	heartbeat := s.clock.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.Done():
			return
		case <-heartbeat.Chan():
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", s.clock.Now().UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		case n := <-t.notifications:
			data, err := json.Marshal(n)
			if err != nil {
				s.logger.Error("Failed to encode notification", "method", n.Method, "error", err)
				continue
			}
			if err := writeSSE(w, flusher, "message", data); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolveExisting(w, r)
	if !ok {
		return
	}
	t.Close()
	w.WriteHeader(http.StatusOK)
}

// resolveExisting applies the GET and DELETE lookup rules, writing the error
// response itself when the session cannot be found
func (s *Server) resolveExisting(w http.ResponseWriter, r *http.Request) (*Transport, bool) {
	sessionID := requestSessionID(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, codeServerError, "Bad Request: Missing session ID")
		return nil, false
	}
	t, err := s.sessions.Lookup(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, codeServerError, "Session not found")
		return nil, false
	}
	w.Header().Set(HeaderSessionID, t.id)
	return t, true
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func isBatch(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}
