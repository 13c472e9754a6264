package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCallTimeout is the ceiling for a single extension call
const DefaultCallTimeout = 15 * time.Second

// Reply is the settled outcome of a pending call
type Reply struct {
	Result json.RawMessage
	Err    error
}

// Pending is one in-flight extension call awaiting its reply.
type Pending struct {
	ID        string
	Action    string
	CreatedAt time.Time

	done     chan Reply
	timer    clockwork.Timer
	registry *Registry
}

// Done delivers exactly one Reply once the call settles
func (p *Pending) Done() <-chan Reply {
	return p.done
}

// Wait blocks until the call settles or ctx ends. When ctx ends first the
// entry is rejected so it never lingers in the registry.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case reply := <-p.done:
		return reply.Result, reply.Err
	case <-ctx.Done():
		p.registry.settle(p.ID, p, Reply{Err: fmt.Errorf("call %s abandoned: %w", p.Action, ctx.Err())})
		reply := <-p.done
		return reply.Result, reply.Err
	}
}

// Registry correlates outbound extension calls with their replies.
type Registry struct {
	mu       sync.Mutex
	pending  map[string]*Pending
	timeout  time.Duration
	clock    clockwork.Clock
	onSettle func(p *Pending, err error)
}

// NewRegistry creates a registry whose entries time out after timeout.
// A nil clock means the real clock.
func NewRegistry(timeout time.Duration, clock clockwork.Clock) *Registry {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		pending: make(map[string]*Pending),
		timeout: timeout,
		clock:   clock,
	}
}

// OnSettle registers a callback run after every entry settles. Must be set
// before the registry is shared.
func (r *Registry) OnSettle(fn func(p *Pending, err error)) {
	r.onSettle = fn
}

// Timeout returns the per-call ceiling
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Register allocates a pending entry for id and arms its timeout.
func (r *Registry) Register(id, action string) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("correlation id %s already registered", id)
	}

	p := &Pending{
		ID:        id,
		Action:    action,
		CreatedAt: r.clock.Now(),
		done:      make(chan Reply, 1),
		registry:  r,
	}
	timeout := r.timeout
	p.timer = r.clock.AfterFunc(timeout, func() {
		r.settle(id, p, Reply{Err: TimeoutError(action, timeout)})
	})
	r.pending[id] = p
	return p, nil
}

// Resolve settles id with a result. Unknown ids are ignored.
func (r *Registry) Resolve(id string, result json.RawMessage) bool {
	return r.settle(id, nil, Reply{Result: result})
}

// Reject settles id with an error. Unknown ids are ignored.
func (r *Registry) Reject(id string, err error) bool {
	return r.settle(id, nil, Reply{Err: err})
}

// settle removes the entry under id and delivers reply. When match is set the
// entry must be that exact Pending, so a stale timer cannot settle a newer
// entry that reused the id.
func (r *Registry) settle(id string, match *Pending, reply Reply) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok && match != nil && p != match {
		ok = false
	}
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	p.timer.Stop()
	p.done <- reply
	if r.onSettle != nil {
		r.onSettle(p, reply.Err)
	}
	return true
}

// DrainAll rejects every outstanding entry with err and empties the registry.
func (r *Registry) DrainAll(err error) int {
	r.mu.Lock()
	drained := r.pending
	r.pending = make(map[string]*Pending)
	r.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.done <- Reply{Err: err}
		if r.onSettle != nil {
			r.onSettle(p, err)
		}
	}
	return len(drained)
}

// Len returns the number of in-flight calls
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Oldest returns the longest-waiting entry, or nil when idle. Used to spot
// stuck calls in health output.
func (r *Registry) Oldest() *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *Pending
	for _, p := range r.pending {
		if oldest == nil || p.CreatedAt.Before(oldest.CreatedAt) {
			oldest = p
		}
	}
	return oldest
}
