package bridgemcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NotificationHandler receives the params of an unsolicited backend
// message. Handlers run on the connection's reader goroutine and must not
// block.
type NotificationHandler func(params json.RawMessage)

// callResult delivers a response (or failure) to the goroutine awaiting
// a pending request.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest tracks one sent-but-unanswered call. The channel is
// buffered so delivery never blocks the reader goroutine, and the
// delete-before-send discipline guarantees at-most-once resolution.
type pendingRequest struct {
	method    string
	ch        chan callResult
	createdAt time.Time
}

// Correlator matches inbound responses to pending requests by id and
// routes notifications to per-method handlers. One Correlator lives for
// the whole BackendClient; its frame decoder is replaced per connection
// generation.
type Correlator struct {
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	handlers map[string]NotificationHandler
	dec      *FrameDecoder
}

// NewCorrelator returns a Correlator with an empty pending map and a
// fresh frame decoder.
func NewCorrelator(logger *slog.Logger, maxFrame int) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		logger:   logger,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string]NotificationHandler),
		dec:      NewFrameDecoder(maxFrame),
	}
}

// EncodeRequest builds a framed JSON-RPC request. An empty id produces a
// notification (no response expected).
func EncodeRequest(method string, params any, id string) ([]byte, error) {
	payload, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}
	return EncodeFrame(string(payload)), nil
}

// Register records a pending request and returns the channel its
// resolution will arrive on.
func (c *Correlator) Register(id, method string) <-chan callResult {
	p := &pendingRequest{
		method:    method,
		ch:        make(chan callResult, 1),
		createdAt: time.Now(),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p.ch
}

// Fail rejects a single pending request (timeout or caller cancellation).
// A no-op when the id has already been resolved.
func (c *Correlator) Fail(id string, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.ch <- callResult{err: err}
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HandleIncoming appends raw socket bytes and dispatches every complete
// frame: responses resolve their pending request, notifications go to
// the registered handler for their method. A corrupt frame is logged and
// skipped without poisoning the rest of the buffer. Framing errors clear
// the buffer (losing in-flight partial data) but keep the connection
// alive; the recurring case is the peer's problem to fix.
func (c *Correlator) HandleIncoming(chunk []byte) {
	frames, err := c.dec.Push(chunk)
	if err != nil {
		c.logger.Warn("frame decode error, dropping buffer", "err", err)
		c.dec.Reset()
	}
	for _, frame := range frames {
		c.dispatch(frame)
	}
}

func (c *Correlator) dispatch(frame string) {
	var msg Message
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		c.logger.Warn("dropping unparseable frame", "err", err, "bytes", len(frame))
		return
	}

	if msg.IsNotification() {
		c.mu.Lock()
		handler := c.handlers[msg.Method]
		c.mu.Unlock()
		if handler == nil {
			c.logger.Debug("no handler for notification", "method", msg.Method)
			return
		}
		handler(msg.Params)
		return
	}

	if msg.ID == "" {
		c.logger.Warn("dropping frame with neither id nor method")
		return
	}

	// Response, or response-shaped fallback for anything else with an id.
	c.mu.Lock()
	p, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request id", "id", msg.ID)
		return
	}

	if msg.Error != nil {
		p.ch <- callResult{err: translateRPCError(p.method, msg.Error)}
		return
	}
	p.ch <- callResult{result: msg.Result}
}

// OnNotification registers the handler for a backend notification
// method, replacing any previous one.
func (c *Correlator) OnNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// OffNotification removes the handler for a method.
func (c *Correlator) OffNotification(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, method)
}

// ClearPending rejects every outstanding request with reason and empties
// the map. Called on disconnect so awaiting callers get a deterministic
// rejection instead of hanging forever.
func (c *Correlator) ClearPending(reason string) {
	c.mu.Lock()
	cleared := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if len(cleared) > 0 {
		c.logger.Debug("clearing pending requests", "count", len(cleared), "reason", reason)
	}
	err := errors.New(reason)
	for _, p := range cleared {
		p.ch <- callResult{err: err}
	}
}

// ResetDecoder discards partial frame data, called when a connection is
// torn down so the next generation starts from a clean buffer.
func (c *Correlator) ResetDecoder() {
	c.dec.Reset()
}
