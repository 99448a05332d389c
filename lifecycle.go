package bridgemcp

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Guard funnels every termination path (interrupt, terminate, hangup,
// stdin closing under an orphaning parent, top-level panic) into one
// idempotent shutdown that tears down the orchestrator and every
// registered timer before exiting.
type Guard struct {
	Orchestrator *Orchestrator
	Logger       *slog.Logger

	// Exit is called with the process exit code; os.Exit by default,
	// replaceable in tests.
	Exit func(code int)

	once sync.Once
}

// NewGuard returns a guard for orch. Call Install to arm it.
func NewGuard(orch *Orchestrator, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{Orchestrator: orch, Logger: logger, Exit: os.Exit}
}

// Install registers the signal handlers.
func (g *Guard) Install() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-ch
		g.Logger.Info("signal received, shutting down", "signal", sig.String())
		g.Shutdown()
	}()
}

// WatchStdin shuts down when r reaches EOF: the parent process that
// spawned the bridge has gone away and taken the MCP channel with it.
// The MCP stdio transport normally owns stdin; this is used when the
// transport does not surface EOF itself.
func (g *Guard) WatchStdin(r io.Reader) {
	go func() {
		buf := make([]byte, 512)
		for {
			if _, err := r.Read(buf); err != nil {
				g.Logger.Info("stdin closed, shutting down")
				g.Shutdown()
				return
			}
		}
	}()
}

// HandlePanic is deferred at the top of main's goroutines: any escaped
// panic becomes a logged graceful shutdown instead of a crash or hang.
func (g *Guard) HandlePanic() {
	if r := recover(); r != nil {
		g.Logger.Error("unrecovered panic, shutting down", "panic", r)
		g.Shutdown()
	}
}

// Shutdown disconnects the orchestrator (cascading to discovery and the
// socket), sweeps all timers, and exits 0. Only the first caller does
// any work; a second signal observes no further side effects.
func (g *Guard) Shutdown() {
	g.once.Do(func() {
		if g.Orchestrator != nil {
			g.Orchestrator.Disconnect()
		}
		CleanupAllTimers()
		g.Logger.Info("shutdown complete")
		if g.Exit != nil {
			g.Exit(0)
		}
	})
}
