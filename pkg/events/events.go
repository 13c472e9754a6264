package events

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	ExtensionConnected    EventType = "extension.connected"
	ExtensionDisconnected EventType = "extension.disconnected"
	ExtensionSuperseded   EventType = "extension.superseded"
	ChannelStateChanged   EventType = "channel.state"
	SessionOpened         EventType = "session.opened"
	SessionClosed         EventType = "session.closed"
	ToolCalled            EventType = "tool.called"
)

type Event struct {
	ID        string
	Type      EventType
	SessionID string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// WorkerPoolConfig holds configuration for the event bus worker pool
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores)
	BufferSize  int // Channel buffer size (default: 256)
}

// DefaultWorkerPoolConfig returns the default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: runtime.NumCPU(),
		BufferSize:  256,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

type EventBus struct {
	handlers   map[EventType][]Handler
	mu         sync.RWMutex
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	config     WorkerPoolConfig
	logger     *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return NewEventBusWithConfig(DefaultWorkerPoolConfig(), logger)
}

func NewEventBusWithConfig(config WorkerPoolConfig, logger *slog.Logger) *EventBus {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		handlers:   make(map[EventType][]Handler),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
		logger:     logger.With("component", "events"),
	}

	for i := 0; i < config.WorkerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

// worker processes events from the worker pool
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case task := <-eb.workerPool:
			eb.run(task)
		case <-eb.ctx.Done():
			return
		}
	}
}

// run executes one handler, containing any panic
func (eb *EventBus) run(task eventTask) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("Event handler panic", "type", task.event.Type, "panic", r)
		}
	}()
	task.handler(task.event)
}

func (eb *EventBus) Subscribe(eventType EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers handler for every listed type
func (eb *EventBus) SubscribeAll(handler Handler, eventTypes ...EventType) {
	for _, t := range eventTypes {
		eb.Subscribe(t, handler)
	}
}

func (eb *EventBus) Publish(event Event) {
	if eb.ctx.Err() != nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.ID = uuid.NewString()

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		task := eventTask{
			event:   event,
			handler: handler,
		}

		// Non-blocking send; a full pool falls back to a goroutine
		select {
		case eb.workerPool <- task:
		default:
			go eb.run(task)
		}
	}
}

// Shutdown gracefully shuts down the EventBus worker pool
func (eb *EventBus) Shutdown() {
	eb.cancel()
	eb.wg.Wait()
}
