package bridgemcp

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeTimerStartStop(t *testing.T) {
	var fired atomic.Bool
	timer := NewSafeTimer(func() { fired.Store(true) })
	defer timer.Release()

	timer.Start(20 * time.Millisecond)
	if !timer.Active() {
		t.Error("expected active after Start")
	}
	waitFor(t, time.Second, "timer fire", fired.Load)
}

func TestSafeTimerStopCancels(t *testing.T) {
	var fired atomic.Bool
	timer := NewSafeTimer(func() { fired.Store(true) })
	defer timer.Release()

	timer.Start(50 * time.Millisecond)
	timer.Stop()
	if timer.Active() {
		t.Error("expected inactive after Stop")
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Error("stopped timer fired anyway")
	}
}

func TestSafeTimerRestartReplacesSchedule(t *testing.T) {
	var fires atomic.Int32
	timer := NewSafeTimer(func() { fires.Add(1) })
	defer timer.Release()

	timer.Start(30 * time.Millisecond)
	timer.Start(30 * time.Millisecond) // replaces, does not stack
	time.Sleep(120 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Errorf("fires = %d, want 1", got)
	}
}

func TestCleanupAllTimersSweepsPending(t *testing.T) {
	var fired atomic.Bool
	a := NewSafeTimer(func() { fired.Store(true) })
	b := NewSafeTimer(func() { fired.Store(true) })
	defer a.Release()
	defer b.Release()

	a.Start(50 * time.Millisecond)
	b.Start(50 * time.Millisecond)
	CleanupAllTimers()
	CleanupAllTimers() // idempotent

	time.Sleep(120 * time.Millisecond)
	if fired.Load() {
		t.Error("swept timer fired after cleanup")
	}
}

func TestSafeTimerReleaseUnregisters(t *testing.T) {
	timer := NewSafeTimer(func() {})
	timer.Release()

	timerRegistry.mu.Lock()
	_, present := timerRegistry.timers[timer]
	timerRegistry.mu.Unlock()
	if present {
		t.Error("released timer still in registry")
	}
}
