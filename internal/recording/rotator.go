package recording

import (
	"sync"
	"time"
)

// DefaultRotationInterval bounds segment length when no interval is
// configured.
const DefaultRotationInterval = 20 * time.Minute

// RotatorState is the lifecycle state of a [Rotator].
type RotatorState int

const (
	// RotatorIdle is the state before Start.
	RotatorIdle RotatorState = iota

	// RotatorArmed means the timer is running.
	RotatorArmed

	// RotatorFired means a rotation callback is in progress.
	RotatorFired

	// RotatorCancelled is terminal; no further rotations happen.
	RotatorCancelled
)

// String returns the state name.
func (s RotatorState) String() string {
	switch s {
	case RotatorIdle:
		return "idle"
	case RotatorArmed:
		return "armed"
	case RotatorFired:
		return "fired"
	case RotatorCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Rotator drives periodic segment rotation for one session as an explicit
// Armed → Fired → Armed cycle that ends in Cancelled.
//
// The fire callback runs on the timer goroutine and must return quickly;
// slow work belongs in goroutines it spawns. All methods are safe for
// concurrent use.
type Rotator struct {
	interval time.Duration
	fire     func()

	mu    sync.Mutex
	state RotatorState
	timer *time.Timer

	// gen invalidates callbacks from timers that were superseded or stopped
	// after they had already fired.
	gen uint64

	rotations int
}

// NewRotator returns an idle rotator that calls fire every interval once
// started. A non-positive interval selects [DefaultRotationInterval].
func NewRotator(interval time.Duration, fire func()) *Rotator {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	return &Rotator{interval: interval, fire: fire}
}

// Start arms the timer. It has no effect unless the rotator is idle.
func (r *Rotator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RotatorIdle {
		return
	}
	r.armLocked()
}

// Stop cancels the rotator. A rotation already in progress completes but is
// not re-armed. It reports whether this call performed the cancellation.
func (r *Rotator) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RotatorCancelled {
		return false
	}
	r.state = RotatorCancelled
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return true
}

// State returns the current state.
func (r *Rotator) State() RotatorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Rotations returns how many times the rotator has fired.
func (r *Rotator) Rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}

func (r *Rotator) armLocked() {
	r.state = RotatorArmed
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(r.interval, func() { r.onTimer(gen) })
}

func (r *Rotator) onTimer(gen uint64) {
	r.mu.Lock()
	if r.state != RotatorArmed || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.state = RotatorFired
	r.rotations++
	r.mu.Unlock()

	r.fire()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RotatorFired {
		r.armLocked()
	}
}
