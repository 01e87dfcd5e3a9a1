package mcp

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/conduit/internal/auth"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/metrics"
)

// NewServer creates an MCP server exposing the bridge's tools.
func NewServer(b *Bridge, version string) *mcp_sdk.Server {
	s := mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    "conduit",
		Version: version,
	}, &mcp_sdk.ServerOptions{
		HasTools: true,
	})
	b.Registry().RegisterWithMCPServer(s)
	return s
}

// ServeStdio runs s over stdin/stdout until the host disconnects or ctx ends.
func ServeStdio(ctx context.Context, s *mcp_sdk.Server) error {
	return s.Run(ctx, &mcp_sdk.StdioTransport{})
}

// HTTPOptions guard the HTTP endpoint. With a nil Auth store every caller
// is trusted.
type HTTPOptions struct {
	Auth    *auth.Store
	Limiter *auth.RateLimiter
}

// HTTPHandler serves s over streamable HTTP at /mcp, with /health and
// /metrics alongside. Only /mcp is authenticated.
func HTTPHandler(s *mcp_sdk.Server, opts HTTPOptions) http.Handler {
	mcpHandler := mcp_sdk.NewStreamableHTTPHandler(func(*http.Request) *mcp_sdk.Server {
		return s
	}, &mcp_sdk.StreamableHTTPOptions{
		EventStore: mcp_sdk.NewMemoryEventStore(nil),
	})

	withRequestID := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = r.WithContext(logger.WithRequest(r.Context(), requestID))
		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	var handler http.Handler = withRequestID
	if opts.Limiter != nil {
		handler = auth.RateLimitMiddleware(opts.Limiter)(handler)
	}
	if opts.Auth != nil {
		handler = auth.Middleware(opts.Auth)(handler)
	}
	handler = metrics.Middleware(handler)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/", handler)
	return mux
}
