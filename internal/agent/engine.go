// Package agent provides the agent engine abstraction layer.
//
// engine.go - Engine and Session interface definitions
//
// This file contains:
// - Engine interface for starting sessions
// - Session interface consumed by the channel forwarding task
// - Optional mutator interfaces for live sessions
// - Requester, the way an engine asks the client something

package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/stream"
)

// ErrSessionClosed is returned by session methods after Close.
var ErrSessionClosed = errors.New("session closed")

// Permission modes accepted by launch_channel.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlan        = "plan"
	PermissionBypass      = "bypassPermissions"
)

// Settings are the mutable per-session knobs.
type Settings struct {
	Model          string
	PermissionMode string
	ThinkingBudget int
}

// StartOptions contains parameters for starting a session
type StartOptions struct {
	ChannelID string
	Resume    string // resume token from an earlier session, empty for new
	Cwd       string
	Settings  Settings

	// Input delivers user turns. The engine iterates it exactly once; the
	// orchestrator finishes it on close.
	Input *stream.Stream[UserTurn]

	// Requester lets the engine ask the connected client (tool permission,
	// editor operations). May be nil.
	Requester Requester
}

// Engine starts agent sessions
type Engine interface {
	// Name identifies the engine in logs and the initialize handshake
	Name() string

	// Start begins a session. It returns once the session is ready to
	// produce events; failures here abort the launch.
	Start(ctx context.Context, opts StartOptions) (Session, error)
}

// Session is one live engine session
type Session interface {
	// Next returns the next event. io.EOF marks a normal end.
	Next(ctx context.Context) (Event, error)

	// Interrupt cancels in-flight work without ending the session
	Interrupt(ctx context.Context) error

	// Close stops the session and releases its resources
	Close() error

	// ResumeToken identifies the conversation for a later resume
	ResumeToken() string
}

// ModelSetter is implemented by sessions that can switch models live
type ModelSetter interface {
	SetModel(model string)
}

// PermissionModeSetter is implemented by sessions that can switch permission mode live
type PermissionModeSetter interface {
	SetPermissionMode(mode string)
}

// ThinkingBudgetSetter is implemented by sessions that can change the thinking budget live
type ThinkingBudgetSetter interface {
	SetThinkingBudget(tokens int)
}

// Requester sends a request to the client that owns the session
type Requester interface {
	Request(ctx context.Context, kind protocol.RequestKind, params any) (json.RawMessage, error)
}

// RequesterFunc adapts a function to Requester
type RequesterFunc func(ctx context.Context, kind protocol.RequestKind, params any) (json.RawMessage, error)

func (f RequesterFunc) Request(ctx context.Context, kind protocol.RequestKind, params any) (json.RawMessage, error) {
	return f(ctx, kind, params)
}

// AskToolPermission asks the client whether a tool may run. Sessions in
// bypassPermissions mode never ask. A nil requester allows everything.
func AskToolPermission(ctx context.Context, r Requester, mode string, params protocol.ToolPermissionParams) (protocol.ToolPermissionResult, error) {
	if r == nil || mode == PermissionBypass {
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorAllow}, nil
	}
	if mode == PermissionPlan {
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorDeny, Message: "plan mode"}, nil
	}

	raw, err := r.Request(ctx, protocol.KindToolPermission, params)
	if err != nil {
		return protocol.ToolPermissionResult{}, err
	}
	var result protocol.ToolPermissionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.ToolPermissionResult{}, err
	}
	return result, nil
}
