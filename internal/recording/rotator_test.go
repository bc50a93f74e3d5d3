package recording

import (
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRotator_FiresAndRearms(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	r := NewRotator(5*time.Millisecond, func() { fired.Add(1) })
	if r.State() != RotatorIdle {
		t.Fatalf("initial state = %v, want idle", r.State())
	}
	r.Start()
	r.Start() // no-op
	t.Cleanup(func() { r.Stop() })

	waitFor(t, "three rotations", func() bool { return fired.Load() >= 3 })
	if got := r.Rotations(); got < 3 {
		t.Errorf("Rotations = %d, want >= 3", got)
	}
}

func TestRotator_StopCancels(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	r := NewRotator(20*time.Millisecond, func() { fired.Add(1) })
	r.Start()
	if !r.Stop() {
		t.Fatal("first Stop reported no cancellation")
	}
	if r.Stop() {
		t.Error("second Stop reported a cancellation")
	}
	if r.State() != RotatorCancelled {
		t.Errorf("state = %v, want cancelled", r.State())
	}
	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("fired %d times after Stop", n)
	}
	// Start after cancel has no effect.
	r.Start()
	if r.State() != RotatorCancelled {
		t.Errorf("state after Start = %v, want cancelled", r.State())
	}
}

func TestRotator_StopDuringFireDoesNotRearm(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var fired atomic.Int32
	r := NewRotator(5*time.Millisecond, func() {
		if fired.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	r.Start()

	<-entered
	if r.State() != RotatorFired {
		t.Errorf("state during fire = %v, want fired", r.State())
	}
	r.Stop()
	close(release)

	time.Sleep(30 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("fired %d times, want 1", n)
	}
	if r.State() != RotatorCancelled {
		t.Errorf("state = %v, want cancelled", r.State())
	}
}

func TestRotator_DefaultInterval(t *testing.T) {
	t.Parallel()

	r := NewRotator(0, func() {})
	if r.interval != DefaultRotationInterval {
		t.Errorf("interval = %v, want %v", r.interval, DefaultRotationInterval)
	}
}
