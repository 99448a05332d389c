package bridgemcp

import (
	"log/slog"
	"sync/atomic"
)

// ChangeNotifier collapses rapid capability-changed signals. While one
// send is in progress further triggers are skipped, not queued: several
// changes landing in quick succession produce a single outward
// notification. A later, non-overlapping change sends its own.
type ChangeNotifier struct {
	Logger *slog.Logger

	send     func()
	inFlight atomic.Bool
}

// NewChangeNotifier wraps send, which performs the actual refresh and
// outward notification.
func NewChangeNotifier(send func(), logger *slog.Logger) *ChangeNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeNotifier{Logger: logger, send: send}
}

// Trigger requests a capability-changed send. Returns true when a send
// was started, false when one was already in flight.
func (n *ChangeNotifier) Trigger() bool {
	if !n.inFlight.CompareAndSwap(false, true) {
		n.Logger.Debug("capability notification already in flight, skipping")
		return false
	}
	go func() {
		defer n.inFlight.Store(false)
		n.send()
	}()
	return true
}

// InFlight reports whether a send is currently running.
func (n *ChangeNotifier) InFlight() bool {
	return n.inFlight.Load()
}
