package relay

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultReconnectDelay is how long the channel stays disconnected before it
// starts accepting a re-dial again
const DefaultReconnectDelay = 5 * time.Second

// Backoff computes reconnect delays. Multiplier 1 with no jitter gives the
// fixed delay the relay uses by default.
type Backoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	attemptCount int
}

// NewFixedBackoff returns a backoff that always waits delay
func NewFixedBackoff(delay time.Duration) *Backoff {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Backoff{
		BaseDelay:  delay,
		MaxDelay:   delay,
		Multiplier: 1,
	}
}

// NextDelay calculates the next delay and advances the attempt count
func (b *Backoff) NextDelay() time.Duration {
	delay := time.Duration(float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(b.attemptCount)))

	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	if b.Jitter {
		jitterRange := float64(delay) * 0.1
		delay += time.Duration((rand.Float64()*2 - 1) * jitterRange)
	}

	if delay < b.BaseDelay {
		delay = b.BaseDelay
	}

	b.attemptCount++
	return delay
}

// Reset starts the sequence over
func (b *Backoff) Reset() {
	b.attemptCount = 0
}

// Attempts returns how many delays have been handed out since Reset
func (b *Backoff) Attempts() int {
	return b.attemptCount
}

// reconnectTimer owns the single in-flight reconnect timer. schedule refuses
// to arm a second timer while one is pending.
type reconnectTimer struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	backoff *Backoff
	timer   clockwork.Timer
	stopped bool
}

func newReconnectTimer(clock clockwork.Clock, backoff *Backoff) *reconnectTimer {
	return &reconnectTimer{clock: clock, backoff: backoff}
}

// schedule arms the timer to run fn after the next backoff delay. It returns
// false when a timer is already pending or the timer was stopped.
func (rt *reconnectTimer) schedule(fn func()) (time.Duration, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.stopped || rt.timer != nil {
		return 0, false
	}

	delay := rt.backoff.NextDelay()
	var t clockwork.Timer
	t = rt.clock.AfterFunc(delay, func() {
		rt.mu.Lock()
		if rt.timer != t || rt.stopped {
			rt.mu.Unlock()
			return
		}
		rt.timer = nil
		rt.mu.Unlock()
		fn()
	})
	rt.timer = t
	return delay, true
}

// cancel disarms a pending timer and resets the backoff. Called when a peer
// connects before the timer fires.
func (rt *reconnectTimer) cancel() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	rt.backoff.Reset()
}

// stop disarms the timer permanently
func (rt *reconnectTimer) stop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.stopped = true
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
}

func (rt *reconnectTimer) armed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.timer != nil
}
