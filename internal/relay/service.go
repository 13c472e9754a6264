package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// BrowserState is the extension's view of the active tab
type BrowserState struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Service is the relay owned by the process entry point. Tool handlers and
// the HTTP layer receive it by reference.
type Service struct {
	channel *Channel
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewService wraps a control channel
func NewService(channel *Channel, clock clockwork.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		channel: channel,
		clock:   clock,
		logger:  logger.With("component", "relay"),
	}
}

// Channel returns the underlying control channel
func (s *Service) Channel() *Channel {
	return s.channel
}

// Start begins accepting the extension
func (s *Service) Start() error {
	return s.channel.Start()
}

// InvokeBrowserAction sends one action to the extension and returns its raw
// result.
func (s *Service) InvokeBrowserAction(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	start := s.clock.Now()
	result, err := s.channel.Invoke(ctx, action, payload)
	if err != nil {
		s.logger.Debug("Browser action failed", "action", action, "kind", KindOf(err).String(), "error", err)
		return nil, err
	}
	s.logger.Debug("Browser action completed", "action", action, "duration", s.clock.Since(start))
	return result, nil
}

// Wait pauses for d or until ctx ends
func (s *Service) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-s.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetBrowserState asks the extension for the active tab's URL and title in
// parallel. A disconnected relay reports Connected false without error.
func (s *Service) GetBrowserState(ctx context.Context) (BrowserState, error) {
	if !s.IsConnected() {
		return BrowserState{Connected: false}, nil
	}

	var state BrowserState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := s.channel.Invoke(gctx, "getUrl", nil)
		if err != nil {
			return fmt.Errorf("failed to get url: %w", err)
		}
		state.URL = DecodeText(raw, "url")
		return nil
	})
	g.Go(func() error {
		raw, err := s.channel.Invoke(gctx, "getTitle", nil)
		if err != nil {
			return fmt.Errorf("failed to get title: %w", err)
		}
		state.Title = DecodeText(raw, "title")
		return nil
	})
	if err := g.Wait(); err != nil {
		return BrowserState{Connected: s.IsConnected()}, err
	}

	state.Connected = true
	return state, nil
}

// IsConnected reports whether an extension is attached
func (s *Service) IsConnected() bool {
	return s.channel.IsConnected()
}

// WaitForConnection blocks until the extension attaches or ctx ends
func (s *Service) WaitForConnection(ctx context.Context) error {
	return s.channel.WaitForConnection(ctx)
}

// Close shuts the control channel down
func (s *Service) Close(ctx context.Context) error {
	return s.channel.Close(ctx)
}

// DecodeText extracts a string from an extension result that is either a JSON
// string or an object carrying the value under field.
func DecodeText(raw json.RawMessage, field string) string {
	if !isPresent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := obj[field].(string); ok {
			return v
		}
	}
	return string(raw)
}

// StringField is DecodeText without the raw fallback. It returns "" unless
// raw is a JSON string or an object holding a string under field.
func StringField(raw json.RawMessage, field string) string {
	if !isPresent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := obj[field].(string); ok {
			return v
		}
	}
	return ""
}
