package bridgemcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Backend RPC method names. The backend speaks JSON-RPC 2.0 over
// Content-Length framed TCP (see frame.go).
const (
	MethodPing          = "ping"
	MethodSetClientName = "client/setName"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"

	// Backend → bridge notifications.
	NotifyToolsChanged = "notifications/tools_changed"
	NotifyConsoleLog   = "notifications/console_log"
)

// Sentinel errors surfaced by the transport layer.
var (
	// ErrNotConnected is returned by calls that require an established
	// connection. Callers should EnsureConnected first.
	ErrNotConnected = errors.New("not connected to backend")

	// ErrTimeout is returned when a request's local deadline elapses
	// before a matching response arrives.
	ErrTimeout = errors.New("request timed out")

	// ErrBufferOverflow is returned by DynamicBuffer.Append when the
	// prospective size would exceed the configured maximum.
	ErrBufferOverflow = errors.New("receive buffer overflow")
)

// Request is an outbound JSON-RPC 2.0 request or notification. A
// notification has no ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Message is the inbound wire shape. Exactly one of Method (notification)
// or Result/Error (response) is expected; a message carrying an ID but
// neither shape is treated as response-shaped.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether the message is an unsolicited
// notification (method present, no id).
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == ""
}

// RPCError is the JSON-RPC error object returned by the backend.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// policyData is the structured payload the backend attaches to errors
// raised by its operation-gating settings.
type policyData struct {
	Reason  string `json:"reason"`
	Setting string `json:"setting"`
}

// translateRPCError converts a backend error object into a caller-facing
// error. Policy-blocked conditions are reformatted into actionable
// guidance naming the operation and the setting to change; everything
// else passes through with the backend's message.
func translateRPCError(operation string, e *RPCError) error {
	if e == nil {
		return nil
	}
	if len(e.Data) > 0 {
		var pd policyData
		if err := json.Unmarshal(e.Data, &pd); err == nil && pd.Reason == "policy" {
			return fmt.Errorf(
				"%q was blocked by a backend policy setting: enable %q in the editor's bridge settings and retry",
				operation, pd.Setting)
		}
	}
	return fmt.Errorf("%s failed: %s", operation, e.Message)
}

// ConsoleLogParams is the payload of a console_log notification. The
// backend forwards its own console output through the bridge so tooling
// clients can see compile errors and runtime logs.
type ConsoleLogParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ToolDescriptor is one entry of a tools/list response: a dynamically
// discovered backend operation plus its parameter schema.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the backend response for tools/list.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams is the request payload for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// SetClientNameParams announces the tool-caller's display name to the
// backend. Re-sent after every reconnect; idempotent on the backend.
type SetClientNameParams struct {
	Name string `json:"name"`
}
