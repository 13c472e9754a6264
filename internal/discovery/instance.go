package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDirMode  os.FileMode = 0755
	DefaultFileMode os.FileMode = 0644

	instanceExt = ".json"
	lockName    = ".discovery.lock"
)

// Instance describes one running relay
type Instance struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	PID        int       `json:"pid"`
	Executable string    `json:"executable,omitempty"`
	HTTPURL    string    `json:"http_url"`
	ControlURL string    `json:"control_url"`
	StartedAt  time.Time `json:"started_at"`
	LastPing   time.Time `json:"last_ping"`
}

// HealthURL is the relay's health endpoint
func (i *Instance) HealthURL() string {
	u, err := url.Parse(i.HTTPURL)
	if err != nil {
		return ""
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String()
}

func validateInstance(inst *Instance) error {
	if inst == nil {
		return errors.New("instance is nil")
	}
	if inst.ID == "" {
		return errors.New("instance missing ID")
	}
	if strings.ContainsAny(inst.ID, `/\`) {
		return fmt.Errorf("instance ID %q contains a path separator", inst.ID)
	}
	if inst.PID <= 0 {
		return fmt.Errorf("instance %s has invalid PID %d", inst.ID, inst.PID)
	}
	if inst.HTTPURL == "" {
		return fmt.Errorf("instance %s missing HTTP URL", inst.ID)
	}
	return nil
}

// Discovery keeps an up-to-date view of the instances directory
type Discovery struct {
	mu              sync.RWMutex
	instances       map[string]*Instance
	instancesDir    string
	watcher         *fsnotify.Watcher
	logger          *slog.Logger
	updateCallbacks []func(instances []*Instance)
}

// New scans instancesDir and prepares a watcher on it
func New(instancesDir string, logger *slog.Logger) (*Discovery, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(instancesDir, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("failed to create instances directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	d := &Discovery{
		instances:    make(map[string]*Instance),
		instancesDir: instancesDir,
		watcher:      watcher,
		logger:       logger.With("component", "discovery"),
	}

	if err := watcher.Add(instancesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch instances directory: %w", err)
	}

	if err := d.scanDirectory(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("initial directory scan failed: %w", err)
	}

	return d, nil
}

// Start begins watching for instance changes
func (d *Discovery) Start() {
	go d.watch()
}

// Stop stops the watcher
func (d *Discovery) Stop() error {
	return d.watcher.Close()
}

// Instances returns the known instances, oldest first
func (d *Discovery) Instances() []*Instance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedInstances(d.instances)
}

// OnUpdate registers a callback run after every change
func (d *Discovery) OnUpdate(callback func(instances []*Instance)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateCallbacks = append(d.updateCallbacks, callback)
}

func (d *Discovery) scanDirectory() error {
	entries, err := os.ReadDir(d.instancesDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isInstanceFile(entry.Name()) {
			continue
		}
		path := filepath.Join(d.instancesDir, entry.Name())
		if err := d.loadInstance(path, false); err != nil {
			d.logger.Warn("Skipping unreadable instance file", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

func (d *Discovery) watch() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isInstanceFile(filepath.Base(event.Name)) {
				continue
			}

			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				if err := d.loadInstance(event.Name, true); err != nil {
					d.logger.Debug("Ignoring instance file", "file", event.Name, "error", err)
				}
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				d.removeInstance(event.Name)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (d *Discovery) loadInstance(path string, notify bool) error {
	inst, err := readInstanceFile(path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.instances[inst.ID] = inst
	d.mu.Unlock()

	if notify {
		d.notify()
	}
	return nil
}

func (d *Discovery) removeInstance(path string) {
	id := extractInstanceID(filepath.Base(path))
	if id == "" {
		return
	}

	d.mu.Lock()
	_, existed := d.instances[id]
	delete(d.instances, id)
	d.mu.Unlock()

	if existed {
		d.notify()
	}
}

func (d *Discovery) notify() {
	d.mu.RLock()
	callbacks := d.updateCallbacks
	snapshot := sortedInstances(d.instances)
	d.mu.RUnlock()

	for _, callback := range callbacks {
		callback(snapshot)
	}
}

func readInstanceFile(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	if err := validateInstance(&inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func sortedInstances(m map[string]*Instance) []*Instance {
	out := make([]*Instance, 0, len(m))
	for _, inst := range m {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func isInstanceFile(name string) bool {
	return filepath.Ext(name) == instanceExt && len(name) > len(instanceExt) && !strings.HasPrefix(name, ".")
}

func extractInstanceID(filename string) string {
	if !isInstanceFile(filename) {
		return ""
	}
	return strings.TrimSuffix(filename, instanceExt)
}
