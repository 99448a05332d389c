package bridgemcp

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeBackend is an in-process stand-in for the editor backend: a TCP
// listener speaking Content-Length framed JSON-RPC, with per-method
// handlers and the ability to drop connections or vanish entirely to
// simulate a reload.
type fakeBackend struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	handlers map[string]func(params json.RawMessage) (any, *RPCError)
	closed   bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeBackend{
		t:        t,
		ln:       ln,
		handlers: make(map[string]func(json.RawMessage) (any, *RPCError)),
	}
	f.handlers[MethodPing] = func(json.RawMessage) (any, *RPCError) {
		return "pong", nil
	}
	f.handlers[MethodListTools] = func(json.RawMessage) (any, *RPCError) {
		return ListToolsResult{}, nil
	}
	go f.acceptLoop()
	t.Cleanup(f.close)
	return f
}

func (f *fakeBackend) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeBackend) handle(method string, fn func(json.RawMessage) (any, *RPCError)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeBackend) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeBackend) serve(conn net.Conn) {
	dec := NewFrameDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Push(buf[:n])
			if derr != nil {
				dec.Reset()
			}
			for _, frame := range frames {
				f.dispatch(conn, frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (f *fakeBackend) dispatch(conn net.Conn, frame string) {
	var msg Message
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		return
	}
	f.mu.Lock()
	handler := f.handlers[msg.Method]
	f.mu.Unlock()
	if msg.ID == "" {
		// Notification from the bridge (e.g. client/setName); nothing to
		// answer.
		if handler != nil {
			handler(msg.Params)
		}
		return
	}
	if handler == nil {
		f.respondError(conn, msg.ID, &RPCError{Code: -32601, Message: "method not found"})
		return
	}
	result, rpcErr := handler(msg.Params)
	if rpcErr != nil {
		f.respondError(conn, msg.ID, rpcErr)
		return
	}
	f.respond(conn, msg.ID, result)
}

func (f *fakeBackend) respond(conn net.Conn, id string, result any) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	if err != nil {
		f.t.Errorf("marshal response: %v", err)
		return
	}
	conn.Write(EncodeFrame(string(payload)))
}

func (f *fakeBackend) respondError(conn net.Conn, id string, rpcErr *RPCError) {
	payload, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   rpcErr,
	})
	conn.Write(EncodeFrame(string(payload)))
}

// notifyAll pushes a notification to every connected bridge.
func (f *fakeBackend) notifyAll(method string, params any) {
	payload, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	f.mu.Lock()
	conns := append([]net.Conn(nil), f.conns...)
	f.mu.Unlock()
	for _, conn := range conns {
		conn.Write(EncodeFrame(string(payload)))
	}
}

// dropConnections severs every live connection but keeps listening,
// simulating a backend reload that rebinds quickly.
func (f *fakeBackend) dropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (f *fakeBackend) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.ln.Close()
	f.dropConnections()
}

// freePort returns a loopback port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// testLogger returns a quiet logger for tests; crank to Debug when
// chasing a failure.
func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
