// Package agent provides the agent engine abstraction layer.
//
// types.go - Shared types for engine communication
//
// This file contains:
// - EventType, BlockKind, DeltaType and Event for normalized event streaming
// - UserTurn for session input
//
// Event provides a common format that every engine must convert its native
// stream into. A well-formed turn is:
//
//	stream_start
//	  (block_start block_delta* block_stop)*
//	  stream_delta*
//	stream_stop | error
//
// Events carry a ParentID; the empty string is the primary agent and any
// other value names a sub-agent invocation whose events may interleave with
// the primary stream.

package agent

import "time"

// EventType represents the type of engine event
type EventType string

const (
	EventStreamStart EventType = "stream_start"
	EventBlockStart  EventType = "block_start"
	EventBlockDelta  EventType = "block_delta"
	EventBlockStop   EventType = "block_stop"
	EventStreamDelta EventType = "stream_delta"
	EventStreamStop  EventType = "stream_stop"
	EventError       EventType = "error"
)

// BlockKind is the static kind of a content block
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

// DeltaType distinguishes block_delta payloads
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaThinking  DeltaType = "thinking_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
)

// StopReasonInterrupted marks a turn cut short by Interrupt.
const StopReasonInterrupted = "interrupted"

// Delta is the payload of a block_delta event.
type Delta struct {
	Type DeltaType `json:"type"`
	Text string    `json:"text,omitempty"`

	// PartialJSON carries tool input fragments. It is normally a string;
	// engines that emit already-structured fragments may put any JSON value here.
	PartialJSON any `json:"partialJson,omitempty"`
}

// Usage reports token accounting for a turn.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Event represents a single event in engine streaming output
type Event struct {
	Type     EventType `json:"type"`
	ParentID string    `json:"parentId,omitempty"`

	// stream_start
	MessageID string `json:"messageId,omitempty"`
	Model     string `json:"model,omitempty"`

	// block events
	Index     int       `json:"index"`
	BlockKind BlockKind `json:"blockKind,omitempty"`
	ToolID    string    `json:"toolId,omitempty"`
	ToolName  string    `json:"toolName,omitempty"`
	Delta     *Delta    `json:"delta,omitempty"`

	// stream_delta
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stopReason,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Stamp sets the event timestamp if it is unset.
func (e Event) Stamp() Event {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e
}

// UserTurn is one unit of user input delivered to a session
type UserTurn struct {
	Text string `json:"text"`
}
