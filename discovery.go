package bridgemcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Discovery polling knobs. The first cycle after a (re)start runs on the
// fast interval so a backend that is already up is found immediately;
// after that polling slows down to bound CPU and log noise while the
// editor simply is not running.
const (
	DefaultFastInterval   = 1 * time.Second
	DefaultSlowInterval   = 10 * time.Second
	DefaultFastCycles     = 1
	DefaultProbeTimeout   = 500 * time.Millisecond
	DefaultCycleBudget    = 5 * time.Second
	DefaultRestartDelay   = 2 * time.Second
	defaultHealthDeadline = 2 * time.Second
)

// DiscoveryState is a read-only snapshot for operational visibility.
type DiscoveryState struct {
	TimerActive bool   `json:"timerActive"`
	Discovering bool   `json:"discovering"`
	Attempts    int    `json:"attempts"`
	Phase       string `json:"phase"` // "fast" or "slow"
}

// Discovery is the single long-lived poller that finds the backend's
// listening port and doubles as the health monitor for an established
// connection. Both concerns share one timer so there is never a second
// polling loop to leak. Owned by the Orchestrator for the process
// lifetime.
type Discovery struct {
	Client *BackendClient
	Logger *slog.Logger

	// Ports are the candidate ports probed each cycle, in order. When
	// empty, the client's current target port is the only candidate.
	Ports []int

	FastInterval time.Duration
	SlowInterval time.Duration
	FastCycles   int
	ProbeTimeout time.Duration
	CycleBudget  time.Duration
	RestartDelay time.Duration

	mu           sync.Mutex
	timer        *SafeTimer
	timerActive  bool
	discovering  bool
	attempts     int
	onDiscovered func()
	onLost       func()
}

// NewDiscovery returns an idle discovery service bound to client.
func NewDiscovery(client *BackendClient, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discovery{
		Client:       client,
		Logger:       logger,
		FastInterval: DefaultFastInterval,
		SlowInterval: DefaultSlowInterval,
		FastCycles:   DefaultFastCycles,
		ProbeTimeout: DefaultProbeTimeout,
		CycleBudget:  DefaultCycleBudget,
		RestartDelay: DefaultRestartDelay,
	}
	d.timer = NewSafeTimer(d.tick)
	return d
}

// SetDiscoveredHandler installs the callback run when a listening
// backend is found. The handler performs the real connect and any
// downstream initialization (e.g. fetching the tool list).
func (d *Discovery) SetDiscoveredHandler(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDiscovered = fn
}

// SetConnectionLostHandler installs the callback run when the transport
// reports a dropped connection, before polling resumes.
func (d *Discovery) SetConnectionLostHandler(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLost = fn
}

// Start schedules polling. A no-op when the timer is already active.
func (d *Discovery) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timerActive {
		return
	}
	d.timerActive = true
	d.Logger.Debug("discovery started")
	d.timer.Start(d.intervalLocked())
}

// Stop clears the timer and the single-flight flag. The attempt counter
// is deliberately left alone; it resets on the explicit restart paths.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.timerActive {
		return
	}
	d.timerActive = false
	d.discovering = false
	d.timer.Stop()
	d.Logger.Debug("discovery stopped")
}

// Snapshot returns the current state for diagnostics.
func (d *Discovery) Snapshot() DiscoveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	phase := "slow"
	if d.attempts < d.FastCycles {
		phase = "fast"
	}
	return DiscoveryState{
		TimerActive: d.timerActive,
		Discovering: d.discovering,
		Attempts:    d.attempts,
		Phase:       phase,
	}
}

// HandleConnectionLost re-enters polling after the transport drops. The
// attempt counter resets so the fast interval applies again, and the
// restart is delayed to absorb the backend's own teardown/rebind window
// instead of hammering a port that is mid-restart.
func (d *Discovery) HandleConnectionLost() {
	d.mu.Lock()
	d.discovering = false
	d.attempts = 0
	lost := d.onLost
	alreadyActive := d.timerActive
	d.mu.Unlock()

	if lost != nil {
		lost()
	}
	if alreadyActive {
		return
	}

	d.Logger.Info("connection lost, resuming discovery", "delay", d.RestartDelay)
	var restart *SafeTimer
	restart = NewSafeTimer(func() {
		d.Start()
		restart.Release()
	})
	restart.Start(d.RestartDelay)
}

// ForceDiscovery runs one cycle immediately and reports the resulting
// connection state. Already-connected short-circuits to true.
func (d *Discovery) ForceDiscovery() bool {
	if d.Client.Connected() {
		return true
	}
	d.runCycle()
	return d.Client.Connected()
}

// tick is the timer callback: run one cycle, then reschedule if the
// loop is still active.
func (d *Discovery) tick() {
	d.runCycle()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timerActive {
		d.timer.Start(d.intervalLocked())
	}
}

// runCycle performs one unified discovery-and-connection check. At most
// one cycle is ever in flight; overlapping triggers are skipped. The
// flag reset is deferred so a panicking callback can never permanently
// block the next tick.
func (d *Discovery) runCycle() {
	d.mu.Lock()
	if d.discovering {
		d.mu.Unlock()
		d.Logger.Debug("discovery cycle already in flight, skipping")
		return
	}
	d.discovering = true
	d.attempts++
	attempt := d.attempts
	onDiscovered := d.onDiscovered
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error("discovery cycle panicked", "panic", r)
		}
		d.mu.Lock()
		d.discovering = false
		d.mu.Unlock()
	}()

	// Connection maintenance half: an established connection gets a
	// bounded health check. Healthy means discovery's work is done; an
	// unhealthy probe falls through to the port probe without assuming
	// total loss. Transient hiccups must not nuke state.
	if d.Client.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultHealthDeadline)
		healthy := d.Client.TestConnection(ctx)
		cancel()
		if healthy {
			d.Stop()
			return
		}
		d.Logger.Warn("established connection failed health check", "attempt", attempt)
	}

	// Port probe half, bounded by the cycle budget.
	deadline := time.Now().Add(d.CycleBudget)
	candidates := d.Ports
	if len(candidates) == 0 {
		candidates = []int{d.Client.Port()}
	}
	for _, port := range candidates {
		if time.Now().After(deadline) {
			return
		}
		d.Logger.Debug("probing backend port", "port", port, "attempt", attempt)
		if !ProbePort(d.Client.Host, port, d.ProbeTimeout) {
			continue
		}
		d.Client.SetPort(port)
		d.Logger.Info("backend discovered", "port", port, "attempt", attempt)
		if onDiscovered != nil {
			onDiscovered()
		}
		return
	}
}

func (d *Discovery) intervalLocked() time.Duration {
	if d.attempts < d.FastCycles {
		return d.FastInterval
	}
	return d.SlowInterval
}
