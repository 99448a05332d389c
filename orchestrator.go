package bridgemcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// connectPollInterval paces WaitForConnection's readiness checks.
const connectPollInterval = 100 * time.Millisecond

// Orchestrator composes the one Discovery instance and the one
// BackendClient into a single connection-lifecycle API for the layers
// above (the MCP surface and the process guard).
type Orchestrator struct {
	Client    *BackendClient
	Discovery *Discovery
	Logger    *slog.Logger

	mu          sync.Mutex
	initialized bool
	recovering  atomic.Bool
}

// NewOrchestrator wires a client and discovery service together. The
// transport's connection-lost event feeds discovery re-entry; nothing
// else ever restarts polling.
func NewOrchestrator(client *BackendClient, disc *Discovery, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{Client: client, Discovery: disc, Logger: logger}
	client.SetConnectionLostHandler(disc.HandleConnectionLost)
	return o
}

// Initialize starts discovery with onReady as the post-connect
// continuation (e.g. "now fetch the tool list"). Idempotent; a second
// call is a no-op.
func (o *Orchestrator) Initialize(onReady func()) {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return
	}
	o.initialized = true
	o.mu.Unlock()

	o.Discovery.SetDiscoveredHandler(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.Client.ConnectTimeout)
		defer cancel()
		if err := o.Client.EnsureConnected(ctx); err != nil {
			o.Logger.Warn("connect after discovery failed", "err", err)
			return
		}
		o.Discovery.Stop()
		if onReady != nil {
			onReady()
		}
	})
	o.Discovery.Start()
}

// Initialized reports whether Initialize has run.
func (o *Orchestrator) Initialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// WaitForConnection blocks until the client is connected or the timeout
// elapses. Triggers Initialize (with no continuation) if nobody has yet.
func (o *Orchestrator) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if !o.Initialized() {
		o.Initialize(nil)
	}
	if o.Client.Connected() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if o.Client.Connected() {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("%w: backend not reachable within %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetupReconnectionCallback runs cb after every successful reconnect,
// preceded by a forced discovery cycle. A storm of reconnect events
// collapses into one in-flight recovery.
func (o *Orchestrator) SetupReconnectionCallback(cb func()) {
	o.Client.OnReconnect(func() {
		if !o.recovering.CompareAndSwap(false, true) {
			o.Logger.Debug("reconnect recovery already in flight, skipping")
			return
		}
		go func() {
			defer o.recovering.Store(false)
			o.Discovery.ForceDiscovery()
			cb()
		}()
	})
}

// EnsureConnected makes a best-effort immediate connection: the fast
// path trusts an existing socket, otherwise one forced discovery cycle
// runs before giving up until the next poll tick.
func (o *Orchestrator) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	if o.Client.Connected() {
		return nil
	}
	if o.Discovery.ForceDiscovery() {
		return nil
	}
	return o.WaitForConnection(ctx, timeout)
}

// TestConnection proxies the transport health probe.
func (o *Orchestrator) TestConnection(ctx context.Context) bool {
	return o.Client.TestConnection(ctx)
}

// Disconnect stops discovery first so no poll cycle races the teardown,
// then drops the transport. Idempotent.
func (o *Orchestrator) Disconnect() {
	o.Discovery.Stop()
	o.Client.Disconnect()
}
