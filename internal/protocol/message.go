// Package protocol defines the messages exchanged between the orchestrator
// daemon and its UI clients.
//
// Every message is a flat envelope with a "type" discriminator:
//
//	type               direction     fields
//	launch_channel     client->orch  channelId, launchId?, resume?, cwd, model?, permissionMode, thinkingBudget?
//	interrupt_channel  client->orch  channelId
//	close_channel      both          channelId, launchId?, error?
//	io_message         both          channelId, message, done
//	request            both          requestId, channelId?, request{kind, params}
//	response           both          requestId, response{result | error}
//	cancel_request     client->orch  targetRequestId
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates wire messages.
type Type string

const (
	TypeLaunchChannel    Type = "launch_channel"
	TypeInterruptChannel Type = "interrupt_channel"
	TypeCloseChannel     Type = "close_channel"
	TypeIOMessage        Type = "io_message"
	TypeRequest          Type = "request"
	TypeResponse         Type = "response"
	TypeCancelRequest    Type = "cancel_request"
)

// Message is the wire envelope. Fields not used by a type are left empty.
type Message struct {
	Type      Type   `json:"type"`
	ChannelID string `json:"channelId,omitempty"`

	// LaunchID names one launch of ChannelID. The orchestrator echoes it on
	// every close_channel it sends for that launch.
	LaunchID string `json:"launchId,omitempty"`

	// launch_channel
	Resume         string `json:"resume,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	ThinkingBudget int    `json:"thinkingBudget,omitempty"`

	// close_channel
	Error string `json:"error,omitempty"`

	// io_message
	Message json.RawMessage `json:"message,omitempty"`
	Done    bool            `json:"done,omitempty"`

	// request / response / cancel_request
	RequestID       string    `json:"requestId,omitempty"`
	Request         *Request  `json:"request,omitempty"`
	Response        *Response `json:"response,omitempty"`
	TargetRequestID string    `json:"targetRequestId,omitempty"`
}

// Request is the payload of a request message.
type Request struct {
	Kind   RequestKind     `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the payload of a response message. Exactly one of Result and
// Error is meaningful; a non-empty Error marks a peer-reported failure.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ErrInvalidMessage is wrapped by Validate failures.
var ErrInvalidMessage = errors.New("invalid message")

// Validate checks that the fields required by m.Type are present.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeLaunchChannel:
		if m.ChannelID == "" {
			return fmt.Errorf("%w: launch_channel requires channelId", ErrInvalidMessage)
		}
		if m.Cwd == "" {
			return fmt.Errorf("%w: launch_channel requires cwd", ErrInvalidMessage)
		}
	case TypeInterruptChannel, TypeCloseChannel, TypeIOMessage:
		if m.ChannelID == "" {
			return fmt.Errorf("%w: %s requires channelId", ErrInvalidMessage, m.Type)
		}
	case TypeRequest:
		if m.RequestID == "" || m.Request == nil || m.Request.Kind == "" {
			return fmt.Errorf("%w: request requires requestId and request.kind", ErrInvalidMessage)
		}
	case TypeResponse:
		if m.RequestID == "" || m.Response == nil {
			return fmt.Errorf("%w: response requires requestId and response", ErrInvalidMessage)
		}
	case TypeCancelRequest:
		if m.TargetRequestID == "" {
			return fmt.Errorf("%w: cancel_request requires targetRequestId", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// NewRequest builds a request message, encoding params as JSON.
func NewRequest(requestID, channelID string, kind RequestKind, params any) (Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s params: %w", kind, err)
	}
	return Message{
		Type:      TypeRequest,
		ChannelID: channelID,
		RequestID: requestID,
		Request:   &Request{Kind: kind, Params: raw},
	}, nil
}

// NewResult builds a successful response message.
func NewResult(requestID string, result any) (Message, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode result: %w", err)
	}
	return Message{
		Type:      TypeResponse,
		RequestID: requestID,
		Response:  &Response{Result: raw},
	}, nil
}

// NewErrorResponse builds a failed response message.
func NewErrorResponse(requestID string, err error) Message {
	text := "unknown error"
	if err != nil {
		text = err.Error()
	}
	return Message{
		Type:      TypeResponse,
		RequestID: requestID,
		Response:  &Response{Error: text},
	}
}

// NewClose builds a close_channel message carrying cause, if any.
func NewClose(channelID string, cause error) Message {
	m := Message{Type: TypeCloseChannel, ChannelID: channelID}
	if cause != nil {
		m.Error = cause.Error()
	}
	return m
}

// NewIO builds an io_message carrying payload encoded as JSON.
func NewIO(channelID string, payload any, done bool) (Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode io payload: %w", err)
	}
	return Message{Type: TypeIOMessage, ChannelID: channelID, Message: raw, Done: done}, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
