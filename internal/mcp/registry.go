package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/conduit/internal/audit"
	"github.com/HyphaGroup/conduit/internal/auth"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/protocol"
)

// ToolHandler handles one tool call with raw JSON arguments.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*mcp_sdk.CallToolResult, error)

// ToolDef describes a registered tool.
type ToolDef struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`

	// ReadOnly tools may be called with ":ro" tokens.
	ReadOnly bool `json:"-"`
}

// ToolOption adjusts a tool definition at registration.
type ToolOption func(*ToolDef)

// ReadOnly marks a tool as safe for read-only tokens.
func ReadOnly() ToolOption {
	return func(d *ToolDef) { d.ReadOnly = true }
}

// Registry stores tool definitions and handlers
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDef
	handlers map[string]ToolHandler
	order    []string // preserve registration order
	audit    *audit.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*ToolDef),
		handlers: make(map[string]ToolHandler),
		audit:    audit.Default(),
	}
}

// SetAuditLogger replaces the logger tool calls are recorded to.
func (r *Registry) SetAuditLogger(l *audit.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = l
}

// Register adds a tool whose arguments decode into P. The input schema is
// inferred from P and enforced before handler runs.
func Register[P any](r *Registry, name, description string, handler func(ctx context.Context, params P) (*mcp_sdk.CallToolResult, error), opts ...ToolOption) {
	schema := protocol.MustSchemaFor[P]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.tools[name]; !dup {
		r.order = append(r.order, name)
	}
	def := &ToolDef{Name: name, Description: description, InputSchema: schema.Schema()}
	for _, opt := range opts {
		opt(def)
	}
	r.tools[name] = def
	r.handlers[name] = func(ctx context.Context, args json.RawMessage) (*mcp_sdk.CallToolResult, error) {
		params, err := protocol.DecodeParams[P](schema, args)
		if err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		return handler(ctx, params)
	}
}

// GetTool returns a tool definition by name
func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetAllTools returns all tool definitions in registration order
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// CallTool executes a tool by name. Handler errors come back as error
// results rather than Go errors, matching what an MCP client would see.
// Callers authenticated with a read-only token may only reach ReadOnly tools.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp_sdk.CallToolResult, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	def := r.tools[name]
	auditLog := r.audit
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	caller := auth.FromContext(ctx)
	var err error
	var result *mcp_sdk.CallToolResult
	if caller != nil && !def.ReadOnly && !caller.CanWrite() {
		err = fmt.Errorf("%w: %s needs a writable token", ErrForbidden, name)
	} else {
		result, err = handler(ctx, args)
	}

	event := &audit.Event{Operation: audit.OpToolCall, Tool: name, Success: err == nil && (result == nil || !result.IsError)}
	if caller != nil && caller.Token != nil {
		event.TokenID = caller.Token.ID
		event.TokenScope = caller.Token.Scope
	}
	if err != nil {
		err = SanitizeError(err, name)
		event.Error = err.Error()
	}
	auditLog.Log(event)

	if err != nil {
		return NewErrorResult(err.Error()), nil
	}
	return result, nil
}

// RegisterWithMCPServer registers all tools with an MCP SDK server
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		def := r.tools[name]
		tool := &mcp_sdk.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			Annotations: &mcp_sdk.ToolAnnotations{ReadOnlyHint: def.ReadOnly},
		}
		server.AddTool(tool, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			logger.InfoContext(ctx, "tool call", "tool", tool.Name)
			return r.CallTool(ctx, tool.Name, args)
		})
	}
}
