package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/conduit/internal/audit"
	"github.com/HyphaGroup/conduit/internal/auth"
)

type echoParams struct {
	Text  string `json:"text"`
	Times int    `json:"times,omitempty"`
}

func newEchoRegistry() *Registry {
	r := NewRegistry()
	r.SetAuditLogger(audit.New(io.Discard, false))
	Register(r, "echo", "Repeat text", func(ctx context.Context, p echoParams) (*mcp_sdk.CallToolResult, error) {
		n := p.Times
		if n == 0 {
			n = 1
		}
		return NewTextResult(strings.Repeat(p.Text, n)), nil
	}, ReadOnly())
	Register(r, "leak", "Fails with a credential in the error", func(ctx context.Context, _ emptyParams) (*mcp_sdk.CallToolResult, error) {
		return nil, errors.New("request rejected: invalid x-api-key sk-123")
	})
	return r
}

func resultText(r *mcp_sdk.CallToolResult) string {
	var out string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp_sdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

func TestRegister_InfersSchema(t *testing.T) {
	r := newEchoRegistry()

	def, ok := r.GetTool("echo")
	if !ok {
		t.Fatal("echo not registered")
	}
	if def.InputSchema == nil || def.InputSchema.Type != "object" {
		t.Fatalf("expected object schema, got %+v", def.InputSchema)
	}
	if _, ok := def.InputSchema.Properties["text"]; !ok {
		t.Errorf("schema is missing the text property")
	}
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "text" {
		t.Errorf("expected required=[text], got %v", def.InputSchema.Required)
	}
}

func TestRegistry_Order(t *testing.T) {
	r := newEchoRegistry()
	Register(r, "echo", "Replaced", func(ctx context.Context, p echoParams) (*mcp_sdk.CallToolResult, error) {
		return NewTextResult(p.Text), nil
	})

	tools := r.GetAllTools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "echo" || tools[1].Name != "leak" {
		t.Errorf("unexpected order: %s, %s", tools[0].Name, tools[1].Name)
	}
	if tools[0].Description != "Replaced" {
		t.Errorf("re-registering should replace the definition")
	}
}

func TestRegistry_CallTool(t *testing.T) {
	r := newEchoRegistry()

	tests := []struct {
		name    string
		tool    string
		args    string
		want    string
		isError bool
		wantErr bool
	}{
		{name: "valid", tool: "echo", args: `{"text":"ab","times":2}`, want: "abab"},
		{name: "missing required", tool: "echo", args: `{}`, want: "invalid parameters", isError: true},
		{name: "wrong type", tool: "echo", args: `{"text":5}`, want: "invalid parameters", isError: true},
		{name: "credential scrubbed", tool: "leak", args: ``, want: "leak failed: engine configuration error", isError: true},
		{name: "unknown tool", tool: "nope", args: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.CallTool(context.Background(), tt.tool, json.RawMessage(tt.args))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CallTool() error = %v", err)
			}
			if result.IsError != tt.isError {
				t.Errorf("IsError = %v, want %v", result.IsError, tt.isError)
			}
			if got := resultText(result); !strings.Contains(got, tt.want) {
				t.Errorf("result %q does not contain %q", got, tt.want)
			}
			if strings.Contains(resultText(result), "sk-123") {
				t.Errorf("credential leaked into result")
			}
		})
	}
}

func TestRegisterWithMCPServer(t *testing.T) {
	ctx := context.Background()
	server := mcp_sdk.NewServer(&mcp_sdk.Implementation{Name: "test", Version: "0"}, nil)
	newEchoRegistry().RegisterWithMCPServer(server)

	clientTransport, serverTransport := mcp_sdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer func() { _ = ss.Close() }()

	client := mcp_sdk.NewClient(&mcp_sdk.Implementation{Name: "test-client", Version: "0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer func() { _ = cs.Close() }()

	tools, err := cs.ListTools(ctx, &mcp_sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools.Tools))
	}

	res, err := cs.CallTool(ctx, &mcp_sdk.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || resultText(res) != "hi" {
		t.Errorf("unexpected result: error=%v text=%q", res.IsError, resultText(res))
	}
}

func TestRegistry_ReadOnlyTokens(t *testing.T) {
	r := newEchoRegistry()
	Register(r, "write", "Mutates", func(ctx context.Context, _ emptyParams) (*mcp_sdk.CallToolResult, error) {
		return NewTextResult("done"), nil
	})
	var buf bytes.Buffer
	r.SetAuditLogger(audit.New(&buf, true))

	ro := auth.WithContext(context.Background(), &auth.AuthContext{Token: &auth.Token{ID: "tok", Scope: auth.ScopeAdminRO}})
	rw := auth.WithContext(context.Background(), &auth.AuthContext{Token: &auth.Token{ID: "tok", Scope: auth.ScopeAdmin}})

	tests := []struct {
		name    string
		ctx     context.Context
		tool    string
		isError bool
	}{
		{"read-only token, read-only tool", ro, "echo", false},
		{"read-only token, writing tool", ro, "write", true},
		{"writable token, writing tool", rw, "write", false},
		{"trusted caller", context.Background(), "write", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := json.RawMessage(`{}`)
			if tt.tool == "echo" {
				args = json.RawMessage(`{"text":"x"}`)
			}
			result, err := r.CallTool(tt.ctx, tt.tool, args)
			if err != nil {
				t.Fatalf("CallTool() error = %v", err)
			}
			if result.IsError != tt.isError {
				t.Errorf("IsError = %v, want %v (%s)", result.IsError, tt.isError, resultText(result))
			}
			if tt.isError && !strings.Contains(resultText(result), "forbidden") {
				t.Errorf("result = %q, want forbidden", resultText(result))
			}
		})
	}

	if !strings.Contains(buf.String(), `"operation":"mcp.tool_call"`) || !strings.Contains(buf.String(), `"token_id":"tok"`) {
		t.Errorf("tool calls not audited: %s", buf.String())
	}
}
