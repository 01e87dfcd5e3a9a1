package channel

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/conduit/internal/protocol"
)

var (
	// ErrChannelNotFound is returned for operations on an id that is not live.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelClosed rejects outbound requests still pending when their channel closes.
	ErrChannelClosed = errors.New("channel closed")

	// ErrIdleTimeout is the close cause for channels reaped for inactivity.
	ErrIdleTimeout = errors.New("channel idle timeout")

	// ErrUnsupported is returned when the live session cannot apply a setting.
	ErrUnsupported = errors.New("not supported by this engine")
)

// ChannelAlreadyExistsError is returned by Launch when the id is live.
type ChannelAlreadyExistsError struct {
	ChannelID string
}

func (e *ChannelAlreadyExistsError) Error() string {
	return fmt.Sprintf("channel %s already exists", e.ChannelID)
}

// UnknownRequestKindError is returned by Dispatch for kinds with no handler.
type UnknownRequestKindError struct {
	Kind protocol.RequestKind
}

func (e *UnknownRequestKindError) Error() string {
	return fmt.Sprintf("unknown request kind: %s", e.Kind)
}

// EngineIterationError wraps an error the engine surfaced while streaming.
type EngineIterationError struct {
	ChannelID string
	Err       error
}

func (e *EngineIterationError) Error() string {
	return fmt.Sprintf("engine failed on channel %s: %v", e.ChannelID, e.Err)
}

func (e *EngineIterationError) Unwrap() error { return e.Err }
