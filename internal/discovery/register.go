package discovery

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPingInterval is how often a running relay refreshes its record
const DefaultPingInterval = 15 * time.Second

// NewInstance describes the current process
func NewInstance(version, httpURL, controlURL string) *Instance {
	exe, _ := os.Executable()
	now := time.Now()
	return &Instance{
		ID:         uuid.New().String(),
		Version:    version,
		PID:        os.Getpid(),
		Executable: exe,
		HTTPURL:    httpURL,
		ControlURL: controlURL,
		StartedAt:  now,
		LastPing:   now,
	}
}

// Registration keeps one instance record alive until stopped
type Registration struct {
	store    *Store
	instance *Instance
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Register writes inst and refreshes it every interval in the background.
// Stale records left by crashed relays are pruned first.
func Register(store *Store, inst *Instance, interval time.Duration, logger *slog.Logger) (*Registration, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	logger = logger.With("component", "discovery")

	if removed, err := store.Prune(0); err != nil {
		logger.Warn("Failed to prune stale instances", "error", err)
	} else if len(removed) > 0 {
		logger.Debug("Pruned stale instances", "ids", removed)
	}

	if err := store.Register(inst); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registration{
		store:    store,
		instance: inst,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run(ctx, interval)

	logger.Info("Registered instance", "id", inst.ID, "dir", store.Dir())
	return r, nil
}

// Instance returns the registered record
func (r *Registration) Instance() *Instance {
	return r.instance
}

func (r *Registration) run(ctx context.Context, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Ping(r.instance.ID); err != nil {
				// the file may have been pruned by another process
				r.logger.Debug("Re-registering instance", "error", err)
				r.instance.LastPing = time.Now()
				if err := r.store.Register(r.instance); err != nil {
					r.logger.Warn("Failed to refresh instance", "error", err)
				}
			}
		}
	}
}

// Stop ends the heartbeat and removes the record
func (r *Registration) Stop() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		<-r.done
		err = r.store.Unregister(r.instance.ID)
	})
	return err
}
