package bridgemcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, port int) *BackendClient {
	t.Helper()
	c := NewBackendClient(port, testLogger())
	c.ConnectTimeout = 2 * time.Second
	c.RequestTimeout = 2 * time.Second
	t.Cleanup(c.Disconnect)
	return c
}

func TestClientConnectAndPing(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend.port())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected connected after Connect")
	}
	if !c.TestConnection(context.Background()) {
		t.Fatal("expected healthy connection")
	}
}

func TestClientConnectRefused(t *testing.T) {
	// Nothing listening: the dial failure rejects the connect attempt,
	// it is not a "connection lost" event.
	c := newTestClient(t, freePort(t))

	lost := false
	c.SetConnectionLostHandler(func() { lost = true })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if c.Connected() {
		t.Error("expected not connected")
	}
	if lost {
		t.Error("dial failure must not fire the connection-lost path")
	}
}

func TestClientConnectSingleFlight(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend.port())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("concurrent connect %d: %v", i, err)
		}
	}
	// All callers shared one attempt: the backend saw a single socket.
	backend.mu.Lock()
	conns := len(backend.conns)
	backend.mu.Unlock()
	if conns != 1 {
		t.Errorf("backend accepted %d connections, want 1", conns)
	}
}

func TestClientExecuteTool(t *testing.T) {
	backend := newFakeBackend(t)
	var gotName string
	backend.handle(MethodCallTool, func(params json.RawMessage) (any, *RPCError) {
		var p CallToolParams
		json.Unmarshal(params, &p)
		gotName = p.Name
		return map[string]any{"echo": json.RawMessage(p.Arguments)}, nil
	})

	c := newTestClient(t, backend.port())
	c.SetClientName("test-caller")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res, err := c.ExecuteTool(context.Background(), "scene/create", []byte(`{"name":"Main"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotName != "scene/create" {
		t.Errorf("backend saw tool %q, want scene/create", gotName)
	}
	if !strings.Contains(string(res), `"Main"`) {
		t.Errorf("result = %s, want echo of arguments", res)
	}
}

func TestClientExecuteToolDisconnectedGuidance(t *testing.T) {
	c := newTestClient(t, freePort(t))

	_, err := c.ExecuteTool(context.Background(), "anything", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "reload") || !strings.Contains(msg, "retry") {
		t.Errorf("error %q should explain the mid-reload case and advise a retry", msg)
	}
}

func TestClientCallTimeout(t *testing.T) {
	backend := newFakeBackend(t)
	backend.handle("slow/op", func(json.RawMessage) (any, *RPCError) {
		time.Sleep(2 * time.Second)
		return nil, nil
	})

	c := newTestClient(t, backend.port())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	start := time.Now()
	_, err := c.Call(context.Background(), "slow/op", nil, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took far longer than the deadline")
	}
	if c.corr.PendingCount() != 0 {
		t.Errorf("pending = %d after timeout, want 0", c.corr.PendingCount())
	}
}

func TestClientDisconnectIdempotent(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend.port())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect() // second call must observe the same state, no panic

	if c.Connected() {
		t.Error("expected disconnected")
	}
	if c.corr.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", c.corr.PendingCount())
	}
	if c.corr.dec.Buffered() != 0 {
		t.Errorf("buffered = %d, want 0", c.corr.dec.Buffered())
	}
}

func TestClientConnectionLossRejectsPending(t *testing.T) {
	backend := newFakeBackend(t)
	backend.handle("hang", func(json.RawMessage) (any, *RPCError) {
		select {} // never respond
	})

	c := newTestClient(t, backend.port())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "hang", nil, 10*time.Second)
		done <- err
	}()
	waitFor(t, time.Second, "request registered", func() bool {
		return c.corr.PendingCount() == 1
	})

	backend.dropConnections()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "Connection lost") {
			t.Fatalf("err = %v, want connection lost rejection", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending call hung after connection loss")
	}
}

func TestClientConnectionLostFiresOncePerGeneration(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend.port())

	var mu sync.Mutex
	fired := 0
	c.SetConnectionLostHandler(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	backend.dropConnections()
	waitFor(t, 2*time.Second, "loss handler", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired > 0
	})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("loss handler fired %d times, want 1", fired)
	}
}

func TestClientReconnectCallbackIsolation(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend.port())

	ran := false
	c.OnReconnect(func() { panic("bad handler") })
	c.OnReconnect(func() { ran = true })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !ran {
		t.Error("a panicking callback prevented the others from running")
	}
}

func TestClientOffReconnect(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend.port())

	ran := false
	id := c.OnReconnect(func() { ran = true })
	c.OffReconnect(id)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ran {
		t.Error("removed callback still ran")
	}
}

func TestClientRequestIDsUnique(t *testing.T) {
	c := NewBackendClient(1, testLogger())
	seen := make(map[string]bool)
	for range 1000 {
		id := c.nextRequestID()
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}

func TestClientEnsureConnectedReconnects(t *testing.T) {
	backend := newFakeBackend(t)
	c := newTestClient(t, backend.port())

	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	backend.dropConnections()
	waitFor(t, 2*time.Second, "loss detected", func() bool { return !c.Connected() })

	if err := c.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("ensure after loss: %v", err)
	}
	if !c.Connected() {
		t.Error("expected reconnected")
	}
}

func TestProbePort(t *testing.T) {
	backend := newFakeBackend(t)
	if !ProbePort(LoopbackHost, backend.port(), 500*time.Millisecond) {
		t.Error("probe of live listener failed")
	}
	if ProbePort(LoopbackHost, freePort(t), 500*time.Millisecond) {
		t.Error("probe of dead port succeeded")
	}
}
