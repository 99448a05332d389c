package bridgemcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xeipuuv/gojsonschema"
)

// Version is reported in the MCP initialize handshake.
const Version = "0.3.0"

// syncHandshakeTimeout bounds how long a blocking-handshake client waits
// inside initialize for the tool list.
const syncHandshakeTimeout = 10 * time.Second

// refreshTimeout bounds one tool-list refresh, including the connect.
const refreshTimeout = 15 * time.Second

// BridgeServer is the caller-facing MCP surface. Tools are not compiled
// in: each one is a data record fetched from the backend plus a generic
// executor closure over the shared BackendClient, re-enumerated whenever
// the backend signals a capability change or comes back from a reload.
type BridgeServer struct {
	Config *Config
	Orch   *Orchestrator
	Logger *slog.Logger

	server   *mcp.Server
	notifier *ChangeNotifier

	mu         sync.Mutex
	registered map[string]bool
	validators map[string]*gojsonschema.Schema

	toolsReady chan struct{}
	readyOnce  sync.Once
}

// NewBridgeServer builds the MCP server and wires backend notifications
// into the refresh machinery.
func NewBridgeServer(cfg *Config, orch *Orchestrator, logger *slog.Logger) *BridgeServer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &BridgeServer{
		Config:     cfg,
		Orch:       orch,
		Logger:     logger,
		registered: make(map[string]bool),
		validators: make(map[string]*gojsonschema.Schema),
		toolsReady: make(chan struct{}),
	}
	b.notifier = NewChangeNotifier(b.refreshTools, logger)

	b.server = mcp.NewServer(
		&mcp.Implementation{Name: "bridgemcp", Version: Version},
		&mcp.ServerOptions{
			InitializedHandler: b.onInitialized,
		},
	)

	client := orch.Client
	client.OnNotification(NotifyToolsChanged, func(json.RawMessage) {
		b.notifier.Trigger()
	})
	client.OnNotification(NotifyConsoleLog, b.handleConsoleLog)
	return b
}

// Run starts discovery and serves MCP on stdio until ctx is done or the
// transport closes (parent went away).
func (b *BridgeServer) Run(ctx context.Context) error {
	b.Orch.Initialize(func() {
		b.notifier.Trigger()
	})
	// A reconnect after a backend reload resumes any pending refresh.
	b.Orch.SetupReconnectionCallback(func() {
		b.notifier.Trigger()
	})
	return b.server.Run(ctx, &mcp.StdioTransport{})
}

// onInitialized captures the caller identity from the handshake and, for
// clients that cannot consume tools/list_changed, blocks (bounded) until
// the tool list has been enumerated so their one-shot tools/list is
// complete.
func (b *BridgeServer) onInitialized(ctx context.Context, req *mcp.InitializedRequest) {
	name := b.Config.ClientName
	if params := req.Session.InitializeParams(); params != nil && params.ClientInfo != nil {
		name = params.ClientInfo.Name
	}
	if name != "" {
		b.Orch.Client.SetClientName(name)
	}

	if !b.Config.IsSyncClient(name) {
		return
	}
	b.Logger.Info("client needs blocking handshake, waiting for tools", "client", name)
	select {
	case <-b.toolsReady:
	case <-time.After(syncHandshakeTimeout):
		b.Logger.Warn("tool enumeration not ready within handshake window", "client", name)
	case <-ctx.Done():
	}
}

// refreshTools re-enumerates the backend's tools and reconciles the MCP
// registrations. The SDK pushes tools/list_changed to sessions when the
// set changes; overlapping triggers were already collapsed by the
// notifier.
func (b *BridgeServer) refreshTools() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	client := b.Orch.Client
	if err := client.EnsureConnected(ctx); err != nil {
		b.Logger.Warn("tool refresh skipped, backend unavailable", "err", err)
		return
	}
	raw, err := client.Call(ctx, MethodListTools, nil, client.RequestTimeout)
	if err != nil {
		b.Logger.Warn("tool enumeration failed", "err", err)
		return
	}
	var list ListToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		b.Logger.Warn("malformed tools/list response", "err", err)
		return
	}

	current := make(map[string]bool, len(list.Tools))
	for _, desc := range list.Tools {
		current[desc.Name] = true
		if err := b.registerTool(desc); err != nil {
			b.Logger.Warn("skipping tool", "tool", desc.Name, "err", err)
			delete(current, desc.Name)
		}
	}

	b.mu.Lock()
	var stale []string
	for name := range b.registered {
		if !current[name] {
			stale = append(stale, name)
			delete(b.registered, name)
			delete(b.validators, name)
		}
	}
	for name := range current {
		b.registered[name] = true
	}
	b.mu.Unlock()

	if len(stale) > 0 {
		b.server.RemoveTools(stale...)
	}
	b.Logger.Info("tool list refreshed", "tools", len(current), "removed", len(stale))
	b.readyOnce.Do(func() { close(b.toolsReady) })
}

// registerTool adds one backend tool to the MCP server with its declared
// schema and the generic executor.
func (b *BridgeServer) registerTool(desc ToolDescriptor) error {
	schemaJSON := desc.InputSchema
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{"type":"object"}`)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return fmt.Errorf("parsing input schema: %w", err)
	}
	validator, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compiling input schema: %w", err)
	}

	b.mu.Lock()
	b.validators[desc.Name] = validator
	b.mu.Unlock()

	name := desc.Name
	b.server.AddTool(&mcp.Tool{
		Name:        name,
		Description: desc.Description,
		InputSchema: &schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return b.executeTool(ctx, name, req)
	})
	return nil
}

// executeTool validates arguments locally, ensures the connection, and
// forwards the call. Backend and transport failures surface as tool
// errors, not protocol errors, so the caller sees the guidance text.
func (b *BridgeServer) executeTool(ctx context.Context, name string, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return toolError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	b.mu.Lock()
	validator := b.validators[name]
	b.mu.Unlock()
	if validator != nil {
		result, err := validator.Validate(gojsonschema.NewBytesLoader(args))
		if err == nil && !result.Valid() {
			msg := fmt.Sprintf("arguments for %q failed validation:", name)
			for _, e := range result.Errors() {
				msg += "\n  - " + e.String()
			}
			return toolError(msg), nil
		}
	}

	if err := b.Orch.EnsureConnected(ctx, b.Orch.Client.ConnectTimeout); err != nil {
		return toolError(err.Error()), nil
	}
	res, err := b.Orch.Client.ExecuteTool(ctx, name, args)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(res)}},
	}, nil
}

// handleConsoleLog forwards backend console output into the bridge's
// structured log, with ANSI color codes stripped. stdout stays
// untouched; it belongs to the MCP channel.
func (b *BridgeServer) handleConsoleLog(params json.RawMessage) {
	var p ConsoleLogParams
	if err := json.Unmarshal(params, &p); err != nil {
		b.Logger.Debug("malformed console_log notification", "err", err)
		return
	}
	msg := stripansi.Strip(p.Message)
	switch p.Level {
	case "error", "exception":
		b.Logger.Error(msg, "source", "backend")
	case "warning", "warn":
		b.Logger.Warn(msg, "source", "backend")
	default:
		b.Logger.Info(msg, "source", "backend")
	}
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
