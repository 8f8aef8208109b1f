// Package mcp implements the stdio side of the bridge: a Model Context
// Protocol server over JSON-RPC 2.0 that the AI coding assistant drives to
// send events and read responses. Transport is newline-delimited JSON on
// stdin/stdout; batches and notifications follow the MCP protocol
// revision 2025-03-26.
package mcp

import "encoding/json"

// --- JSON-RPC 2.0 types ---

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// --- MCP protocol types ---

const protocolVersion = "2025-03-26"

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools     *capability `json:"tools,omitempty"`
	Resources *capability `json:"resources,omitempty"`
}

type capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// --- Tool types ---

// toolDef is the wire form of a tool in tools/list.
type toolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDef `json:"tools"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the response payload for tools/call.
type ToolCallResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StructuredError is the error object tool callers receive in place of a
// result. Metadata must be secret-free; it is shown to the user verbatim.
type StructuredError struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JSONResult marshals v into a single text content block. Marshal failures
// degrade to a structured PROCESSING_ERROR rather than a broken frame.
func JSONResult(v any) ToolCallResult {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult(StructuredError{Code: "PROCESSING_ERROR", Message: "result not serializable"})
	}
	return ToolCallResult{Content: []textContent{{Type: "text", Text: string(data)}}}
}

// TextResult creates a successful ToolCallResult with one text block.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{Content: []textContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps a structured error as a tool-call error payload.
func ErrorResult(se StructuredError) ToolCallResult {
	data, _ := json.Marshal(map[string]StructuredError{"error": se})
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: string(data)}},
		IsError: true,
	}
}

// --- Resource types ---

type resourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []resourceDef `json:"resources"`
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

type resourceReadResult struct {
	Contents []resourceContent `json:"contents"`
}
