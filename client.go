package bridgemcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default timeouts. Tool execution gets a generous window because the
// backend may be doing long-running work (imports, builds); the health
// ping stays short so discovery cycles are bounded.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultExecuteTimeout = 5 * time.Minute
	DefaultPingTimeout    = 1 * time.Second

	// LoopbackHost is the only host the bridge ever dials.
	LoopbackHost = "127.0.0.1"
)

// idSeed is chosen once per process so request ids from a previous
// connection generation can never collide with a new one.
var idSeed = uuid.NewString()[:8]

// BackendClient owns the single TCP socket to the editor backend and
// presents a request/response API on top of it. The target port is
// mutated by the discovery service; nothing else touches the socket.
type BackendClient struct {
	Host           string
	Logger         *slog.Logger
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ExecuteTimeout time.Duration
	PingTimeout    time.Duration

	corr *Correlator

	mu          sync.Mutex
	port        int
	conn        net.Conn
	connected   bool
	connectDone chan struct{} // non-nil while a connect attempt is in flight
	connectErr  error
	clientName  string

	writeMu sync.Mutex

	cbMu             sync.Mutex
	reconnectCBs     map[int]func()
	nextCBID         int
	onConnectionLost func()

	counter atomic.Uint64
}

// NewBackendClient returns a client targeting (LoopbackHost, port) with
// default timeouts.
func NewBackendClient(port int, logger *slog.Logger) *BackendClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackendClient{
		Host:           LoopbackHost,
		Logger:         logger,
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		ExecuteTimeout: DefaultExecuteTimeout,
		PingTimeout:    DefaultPingTimeout,
		corr:           NewCorrelator(logger, DefaultMaxBufferSize),
		port:           port,
		reconnectCBs:   make(map[int]func()),
	}
}

// Port returns the current target port.
func (c *BackendClient) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// SetPort updates the target port. Only the discovery service calls this;
// it takes effect on the next connect.
func (c *BackendClient) SetPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port != c.port {
		c.Logger.Info("backend target port changed", "old", c.port, "new", port)
	}
	c.port = port
}

// Connected reports whether a live connection is established.
func (c *BackendClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil
}

// SetClientName stores the tool-caller's display name. Supplied lazily,
// possibly after the socket is up, and announced immediately when it
// arrives.
func (c *BackendClient) SetClientName(name string) {
	c.mu.Lock()
	c.clientName = name
	connected := c.connected && c.conn != nil
	c.mu.Unlock()
	if connected && name != "" {
		c.announceClientName()
	}
}

// announceClientName re-sends the stored identity as a notification.
// Idempotent and cheap on the backend, so it runs before every tool call
// and after every reconnect.
func (c *BackendClient) announceClientName() {
	c.mu.Lock()
	name := c.clientName
	c.mu.Unlock()
	if name == "" {
		return
	}
	if err := c.notify(MethodSetClientName, SetClientNameParams{Name: name}); err != nil {
		c.Logger.Debug("client name announce failed", "err", err)
	}
}

// Connect establishes the socket. Exactly one attempt runs at a time:
// callers arriving while one is in flight wait on it and share its
// outcome. A dial failure is a rejection of that attempt, never a
// "connection lost" event; there was no connection to lose.
func (c *BackendClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if done := c.connectDone; done != nil {
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	c.connectDone = done
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.port))
	timeout := c.ConnectTimeout
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)

	c.mu.Lock()
	c.connectDone = nil
	if err != nil {
		c.connectErr = fmt.Errorf("connecting to backend at %s: %w", addr, err)
		err = c.connectErr
		c.mu.Unlock()
		close(done)
		return err
	}
	c.conn = conn
	c.connected = true
	c.connectErr = nil
	c.mu.Unlock()
	close(done)

	c.Logger.Info("connected to backend", "addr", addr)
	go c.readLoop(conn)
	c.announceClientName()
	c.fireReconnectCallbacks()
	return nil
}

// EnsureConnected is the lightweight "make it so" path: a live
// connection is trusted, evidence of staleness (destroyed socket behind
// a stale flag) forces a clean disconnect before a fresh connect.
func (c *BackendClient) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	stale := c.connected || c.conn != nil
	c.mu.Unlock()

	if stale {
		c.Disconnect()
	}
	return c.Connect(ctx)
}

// TestConnection is a bounded liveness probe: socket presence first,
// then a short ping round-trip. Any failure, including timeout, reports
// unhealthy without throwing.
func (c *BackendClient) TestConnection(ctx context.Context) bool {
	if !c.Connected() {
		return false
	}
	_, err := c.Call(ctx, MethodPing, nil, c.PingTimeout)
	if err != nil {
		c.Logger.Debug("health ping failed", "err", err)
		return false
	}
	return true
}

// Call sends one JSON-RPC request and waits for the matching response,
// the timeout, or ctx cancellation, whichever comes first.
func (c *BackendClient) Call(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	id := c.nextRequestID()
	data, err := EncodeRequest(method, params, id)
	if err != nil {
		return nil, err
	}

	ch := c.corr.Register(id, method)
	if err := c.write(conn, data); err != nil {
		c.corr.Fail(id, err)
		c.handleConnectionLost(conn, err)
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.corr.Fail(id, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout))
	case <-ctx.Done():
		c.corr.Fail(id, ctx.Err())
	}
	// Fail either enqueued our error or lost the race to a real
	// resolution; exactly one result is waiting.
	res := <-ch
	return res.result, res.err
}

// ExecuteTool forwards one tool invocation to the backend. Callers are
// expected to have ensured the connection; when it is down the error
// spells out the common mid-reload case rather than a bare "not
// connected", and advises a single wait-and-retry instead of hot-looping.
func (c *BackendClient) ExecuteTool(ctx context.Context, name string, args []byte) ([]byte, error) {
	if !c.Connected() {
		return nil, fmt.Errorf(
			"%w: the editor backend is likely mid-reload and will be reconnected automatically; wait a few seconds and retry once",
			ErrNotConnected)
	}
	c.announceClientName()
	result, err := c.Call(ctx, MethodCallTool, CallToolParams{Name: name, Arguments: args}, c.ExecuteTimeout)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// notify sends a request with no id; no response is expected.
func (c *BackendClient) notify(method string, params any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	data, err := EncodeRequest(method, params, "")
	if err != nil {
		return err
	}
	return c.write(conn, data)
}

func (c *BackendClient) write(conn net.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing to backend: %w", err)
	}
	return nil
}

// Disconnect tears the connection down: socket destroyed, pending
// requests rejected, frame buffer cleared. Idempotent.
func (c *BackendClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.Logger.Info("disconnected from backend")
	}
	c.corr.ClearPending("Connection closed")
	c.corr.ResetDecoder()
}

// OnNotification registers a handler for a backend notification method.
func (c *BackendClient) OnNotification(method string, h NotificationHandler) {
	c.corr.OnNotification(method, h)
}

// OffNotification removes a notification handler.
func (c *BackendClient) OffNotification(method string) {
	c.corr.OffNotification(method)
}

// OnReconnect registers fn to run after every successful connect and
// returns a handle for OffReconnect. Upstream layers use this to
// re-announce identity and resume tool-refresh work.
func (c *BackendClient) OnReconnect(fn func()) int {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.nextCBID++
	c.reconnectCBs[c.nextCBID] = fn
	return c.nextCBID
}

// OffReconnect removes a reconnect callback.
func (c *BackendClient) OffReconnect(id int) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	delete(c.reconnectCBs, id)
}

// SetConnectionLostHandler installs the callback invoked once per
// generation when an established connection drops. The discovery service
// hooks in here to resume polling.
func (c *BackendClient) SetConnectionLostHandler(fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConnectionLost = fn
}

// fireReconnectCallbacks runs every registered callback, isolating each
// so one panicking handler cannot stop the others.
func (c *BackendClient) fireReconnectCallbacks() {
	c.cbMu.Lock()
	cbs := make([]func(), 0, len(c.reconnectCBs))
	for _, fn := range c.reconnectCBs {
		cbs = append(cbs, fn)
	}
	c.cbMu.Unlock()

	for _, fn := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.Logger.Error("reconnect callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// readLoop drains the socket for one connection generation, feeding the
// correlator. Exits on the first read error, which converges with any
// concurrent error path on handleConnectionLost.
func (c *BackendClient) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.corr.HandleIncoming(buf[:n])
		}
		if err != nil {
			c.handleConnectionLost(conn, err)
			return
		}
	}
}

// handleConnectionLost is the single idempotent loss path. Multiple
// simultaneous triggers (read error plus write error) converge here; the
// generation check makes all but the first a no-op, and events from an
// already-replaced socket are ignored entirely.
func (c *BackendClient) handleConnectionLost(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	conn.Close()
	c.Logger.Warn("connection to backend lost", "err", cause)
	c.corr.ClearPending("Connection lost")
	c.corr.ResetDecoder()

	c.cbMu.Lock()
	lost := c.onConnectionLost
	c.cbMu.Unlock()
	if lost != nil {
		lost()
	}
}

// nextRequestID builds an id unique across the process lifetime: pid,
// per-process random seed, timestamp, and a wrapping counter.
func (c *BackendClient) nextRequestID() string {
	return fmt.Sprintf("%d-%s-%d-%d",
		os.Getpid(), idSeed, time.Now().UnixMilli(), c.counter.Add(1))
}

// ProbePort reports whether anything is listening at host:port. A raw
// TCP connect within timeout is the entire signal; no payload is sent.
func ProbePort(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
