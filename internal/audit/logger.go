// Package audit records security-relevant actions taken through the MCP
// bridge and the token commands as JSON lines.
package audit

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/HyphaGroup/conduit/internal/auth"
)

// Operation names an auditable action
type Operation string

const (
	OpToolCall      Operation = "mcp.tool_call"
	OpChannelLaunch Operation = "channel.launch"
	OpChannelClose  Operation = "channel.close"
	OpTokenCreate   Operation = "token.create"
	OpTokenRevoke   Operation = "token.revoke"
)

// Event is one audit record
type Event struct {
	Timestamp  time.Time
	Operation  Operation
	TokenID    string
	TokenScope string
	ChannelID  string
	Tool       string
	Success    bool
	Error      string
	Details    map[string]any
}

// Logger writes audit events
type Logger struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide audit logger, which writes to stderr so
// a stdio MCP server keeps stdout for protocol traffic.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	return &Logger{
		logger:  slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})),
		enabled: enabled,
	}
}

// SetEnabled toggles audit output
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()
	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.Bool("audit", true),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
		slog.Time("at", event.Timestamp),
	}
	if event.TokenID != "" {
		attrs = append(attrs, slog.String("token_id", event.TokenID))
	}
	if event.TokenScope != "" {
		attrs = append(attrs, slog.String("token_scope", event.TokenScope))
	}
	if event.ChannelID != "" {
		attrs = append(attrs, slog.String("channel_id", event.ChannelID))
	}
	if event.Tool != "" {
		attrs = append(attrs, slog.String("tool", event.Tool))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op on behalf of the caller in a (nil for trusted callers).
func (l *Logger) Record(a *auth.AuthContext, op Operation, channelID string, err error) {
	event := &Event{Operation: op, ChannelID: channelID, Success: err == nil}
	if err != nil {
		event.Error = err.Error()
	}
	if a != nil && a.Token != nil {
		event.TokenID = a.Token.ID
		event.TokenScope = a.Token.Scope
	}
	l.Log(event)
}

// Convenience functions using the default logger

func Log(event *Event) {
	Default().Log(event)
}

func Record(a *auth.AuthContext, op Operation, channelID string, err error) {
	Default().Record(a, op, channelID, err)
}
