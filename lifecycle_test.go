package bridgemcp

import (
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGuard(t *testing.T, exits *atomic.Int32) *Guard {
	t.Helper()
	backend := newFakeBackend(t)
	o := newTestOrchestrator(t, backend.port())
	g := NewGuard(o, testLogger())
	g.Exit = func(code int) {
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
		exits.Add(1)
	}
	return g
}

func TestGuardShutdownIdempotent(t *testing.T) {
	var exits atomic.Int32
	g := newTestGuard(t, &exits)

	g.Shutdown()
	g.Shutdown() // second trigger performs no further work

	if exits.Load() != 1 {
		t.Errorf("exit called %d times, want 1", exits.Load())
	}
	if g.Orchestrator.Client.Connected() {
		t.Error("client still connected after shutdown")
	}
	if g.Orchestrator.Discovery.Snapshot().TimerActive {
		t.Error("discovery still polling after shutdown")
	}
}

func TestGuardConcurrentShutdown(t *testing.T) {
	var exits atomic.Int32
	g := newTestGuard(t, &exits)

	done := make(chan struct{})
	for range 4 {
		go func() {
			g.Shutdown()
			done <- struct{}{}
		}()
	}
	for range 4 {
		<-done
	}
	if exits.Load() != 1 {
		t.Errorf("exit called %d times under concurrent signals, want 1", exits.Load())
	}
}

func TestGuardWatchStdin(t *testing.T) {
	var exits atomic.Int32
	g := newTestGuard(t, &exits)

	r, w := io.Pipe()
	g.WatchStdin(r)

	w.Write([]byte("still alive\n"))
	time.Sleep(20 * time.Millisecond)
	if exits.Load() != 0 {
		t.Fatal("guard shut down while stdin was still open")
	}

	w.Close()
	waitFor(t, time.Second, "shutdown on stdin EOF", func() bool {
		return exits.Load() == 1
	})
}

func TestGuardHandlePanic(t *testing.T) {
	var exits atomic.Int32
	g := newTestGuard(t, &exits)

	func() {
		defer g.HandlePanic()
		panic("unhandled")
	}()

	if exits.Load() != 1 {
		t.Error("panic did not funnel into shutdown")
	}
}
