package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	bk "github.com/okrause/bridgekeeper"
)

// Tool is one operation the assistant can invoke. The schema is compiled at
// registration and enforced before the handler runs, so handlers only see
// arguments that already passed structural validation.
type Tool struct {
	Name        string
	Description string
	Schema      any // JSON schema document, served verbatim in tools/list
	// Handler returns the success payload or an error. A *bridgekeeper.Error
	// maps onto the structured {code, message, metadata} form; anything else
	// becomes PROCESSING_ERROR.
	Handler func(ctx context.Context, args json.RawMessage) (any, error)

	compiled *jsonschema.Schema
}

// Resource is a readable data source exposed via resources/list and
// resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Read        func(ctx context.Context) (string, error)
}

// Server speaks JSON-RPC 2.0 over stdio. Register tools and resources
// before calling Serve.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	callTimeout time.Duration

	tools     []*Tool
	toolIndex map[string]*Tool
	resources []Resource

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes
}

// New creates an MCP server with the given name and version.
func New(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		name:        name,
		version:     version,
		logger:      logger,
		callTimeout: 30 * time.Second,
		toolIndex:   make(map[string]*Tool),
		reader:      os.Stdin,
		writer:      os.Stdout,
	}
}

// AddTool compiles the tool's schema and registers it. Must be called
// before Serve.
func (s *Server) AddTool(t Tool) error {
	if _, dup := s.toolIndex[t.Name]; dup {
		return fmt.Errorf("mcp: duplicate tool %q", t.Name)
	}
	if t.Schema != nil {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return fmt.Errorf("mcp: tool %q schema: %w", t.Name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("mcp: tool %q schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := "urn:bridgekeeper:tool:" + t.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("mcp: tool %q schema: %w", t.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("mcp: tool %q schema: %w", t.Name, err)
		}
		t.compiled = compiled
	}
	tool := t
	s.tools = append(s.tools, &tool)
	s.toolIndex[t.Name] = &tool
	return nil
}

// AddResource registers a resource. Must be called before Serve.
func (s *Server) AddResource(r Resource) {
	s.resources = append(s.resources, r)
}

// Serve reads newline-delimited JSON-RPC messages until the reader closes
// or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read stdin: %w", err)
	}
	return nil
}

// handleMessage parses one JSON-RPC message or batch and dispatches it.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.writeResponse(response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		for _, raw := range batch {
			s.handleSingle(ctx, raw)
		}
		return
	}
	s.handleSingle(ctx, data)
}

func (s *Server) handleSingle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}
	if resp := s.dispatch(ctx, &req); resp != nil {
		s.writeResponse(*resp)
	}
}

// dispatch routes one request. Returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *request) *response {
	caps := serverCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &capability{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &capability{}
	}
	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	defs := make([]toolDef, len(s.tools))
	for i, t := range s.tools {
		defs[i] = toolDef{Name: t.Name, Description: t.Description, InputSchema: t.Schema}
	}
	return s.respond(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	tool, ok := s.toolIndex[params.Name]
	if !ok {
		return s.respond(req.ID, ErrorResult(StructuredError{
			Code:    bk.CodeValidationFailed,
			Message: "unknown tool: " + params.Name,
		}))
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if tool.compiled != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
		if err != nil {
			return s.respond(req.ID, ErrorResult(StructuredError{
				Code:    bk.CodeValidationFailed,
				Message: "arguments are not valid JSON",
			}))
		}
		if err := tool.compiled.Validate(inst); err != nil {
			return s.respond(req.ID, ErrorResult(StructuredError{
				Code:     bk.CodeValidationFailed,
				Message:  "arguments do not match the tool schema",
				Metadata: map[string]string{"detail": err.Error()},
			}))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	result, err := tool.Handler(callCtx, args)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", params.Name, "error", err)
		return s.respond(req.ID, ErrorResult(toStructured(err)))
	}
	return s.respond(req.ID, JSONResult(result))
}

func (s *Server) handleResourcesList(req *request) *response {
	defs := make([]resourceDef, len(s.resources))
	for i, r := range s.resources {
		defs[i] = resourceDef{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType}
	}
	return s.respond(req.ID, resourcesListResult{Resources: defs})
}

func (s *Server) handleResourcesRead(ctx context.Context, req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}
	for _, r := range s.resources {
		if r.URI == params.URI {
			text, err := r.Read(ctx)
			if err != nil {
				s.logger.Warn("resource read failed", "uri", r.URI, "error", err)
				return s.respondError(req.ID, errCodeInternal, "resource read failed")
			}
			return s.respond(req.ID, resourceReadResult{
				Contents: []resourceContent{{URI: r.URI, MimeType: r.MimeType, Text: text}},
			})
		}
	}
	return s.respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
}

// toStructured maps a handler error onto the structured form tool callers
// receive in error results.
func toStructured(err error) StructuredError {
	var typed *bk.Error
	if errors.As(err, &typed) {
		se := StructuredError{Code: typed.Code, Message: typed.Message}
		if len(typed.Context.Metadata) > 0 {
			se.Metadata = typed.Context.Metadata
		}
		return se
	}
	return StructuredError{Code: bk.CodeProcessing, Message: err.Error()}
}

// --- response helpers ---

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
