package bridgemcp

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// timerRegistry tracks every live SafeTimer so a single shutdown sweep
// can cancel all of them, even ones a component forgot to stop.
var timerRegistry = struct {
	mu     sync.Mutex
	timers map[*SafeTimer]struct{}
}{timers: make(map[*SafeTimer]struct{})}

var timerCleanupOnce sync.Once

// SafeTimer wraps time.Timer with registration in a process-wide
// registry. The first SafeTimer constructed installs a signal hook that
// sweeps the registry, so no timer outlives the decision to exit.
type SafeTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	fn    func()
}

// NewSafeTimer creates an idle timer for fn. Components schedule all
// delayed work through this rather than time.AfterFunc directly.
func NewSafeTimer(fn func()) *SafeTimer {
	timerCleanupOnce.Do(installTimerCleanupHook)
	t := &SafeTimer{fn: fn}
	timerRegistry.mu.Lock()
	timerRegistry.timers[t] = struct{}{}
	timerRegistry.mu.Unlock()
	return t
}

// Start schedules fn to run once after d, replacing any pending schedule.
func (t *SafeTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.fn)
}

// Stop cancels any pending schedule. Safe to call on an idle timer.
func (t *SafeTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Active reports whether a run is currently scheduled.
func (t *SafeTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Release stops the timer and drops it from the registry. Call when the
// owning component is permanently done with it.
func (t *SafeTimer) Release() {
	t.Stop()
	timerRegistry.mu.Lock()
	delete(timerRegistry.timers, t)
	timerRegistry.mu.Unlock()
}

// CleanupAllTimers stops every registered timer. Idempotent; invoked by
// the lifecycle guard during shutdown and by the signal hook below.
func CleanupAllTimers() {
	timerRegistry.mu.Lock()
	timers := make([]*SafeTimer, 0, len(timerRegistry.timers))
	for t := range timerRegistry.timers {
		timers = append(timers, t)
	}
	timerRegistry.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

func installTimerCleanupHook() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for range ch {
			CleanupAllTimers()
		}
	}()
}
