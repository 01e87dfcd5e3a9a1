package testutil

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/protocol"
)

// MockPeer records every message sent to it.
type MockPeer struct {
	mu   sync.Mutex
	sent []protocol.Message

	// SendError is returned by every Send when set.
	SendError error

	// OnSend, when set, runs after a message is recorded, outside the lock.
	OnSend func(protocol.Message)

	notify chan struct{}
}

// NewMockPeer creates an empty recorder.
func NewMockPeer(t *testing.T) *MockPeer {
	t.Helper()
	return &MockPeer{notify: make(chan struct{}, 1)}
}

// Send records m.
func (p *MockPeer) Send(m protocol.Message) error {
	p.mu.Lock()
	if p.SendError != nil {
		err := p.SendError
		p.mu.Unlock()
		return err
	}
	p.sent = append(p.sent, m)
	hook := p.OnSend
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	if hook != nil {
		hook(m)
	}
	return nil
}

// SetSendError makes later sends fail with err.
func (p *MockPeer) SetSendError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SendError = err
}

// Messages returns a snapshot of the recorded messages.
func (p *MockPeer) Messages() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

// OfType returns the recorded messages of type typ.
func (p *MockPeer) OfType(typ protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range p.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor polls until match returns true for some recorded message and
// returns that message.
func (p *MockPeer) WaitFor(t *testing.T, timeout time.Duration, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, m := range p.Messages() {
			if match(m) {
				return m
			}
		}
		select {
		case <-p.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no matching message within %v; got %d messages", timeout, len(p.Messages()))
			return protocol.Message{}
		}
	}
}

// IsClose matches close_channel messages for channelID.
func IsClose(channelID string) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		return m.Type == protocol.TypeCloseChannel && m.ChannelID == channelID
	}
}

// IsResponse matches the response to requestID.
func IsResponse(requestID string) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		return m.Type == protocol.TypeResponse && m.RequestID == requestID
	}
}

// LaunchOption modifies a launch_channel message.
type LaunchOption func(*protocol.Message)

// NewLaunchMessage creates a launch_channel message with a valid cwd.
func NewLaunchMessage(channelID string, opts ...LaunchOption) protocol.Message {
	m := protocol.Message{
		Type:           protocol.TypeLaunchChannel,
		ChannelID:      channelID,
		Cwd:            "/workspace",
		PermissionMode: agent.PermissionDefault,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// WithResume sets the resume token.
func WithResume(token string) LaunchOption {
	return func(m *protocol.Message) {
		m.Resume = token
	}
}

// WithLaunchID sets the launch id the orchestrator echoes on close.
func WithLaunchID(id string) LaunchOption {
	return func(m *protocol.Message) {
		m.LaunchID = id
	}
}

// WithCwd sets the working directory.
func WithCwd(cwd string) LaunchOption {
	return func(m *protocol.Message) {
		m.Cwd = cwd
	}
}

// WithModel sets the model.
func WithModel(model string) LaunchOption {
	return func(m *protocol.Message) {
		m.Model = model
	}
}

// WithPermissionMode sets the permission mode.
func WithPermissionMode(mode string) LaunchOption {
	return func(m *protocol.Message) {
		m.PermissionMode = mode
	}
}

// NewIOMessage creates an io_message carrying text as a user turn.
func NewIOMessage(t *testing.T, channelID, text string, done bool) protocol.Message {
	t.Helper()
	raw, err := json.Marshal(agent.UserTurn{Text: text})
	if err != nil {
		t.Fatalf("failed to encode turn: %v", err)
	}
	return protocol.Message{Type: protocol.TypeIOMessage, ChannelID: channelID, Message: raw, Done: done}
}

// NewRequestMessage creates a request message, failing the test on encode errors.
func NewRequestMessage(t *testing.T, requestID string, kind protocol.RequestKind, params any) protocol.Message {
	t.Helper()
	m, err := protocol.NewRequest(requestID, "", kind, params)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return m
}

// TextEvents returns a minimal well-formed turn streaming text.
func TextEvents(messageID, text string) []agent.Event {
	return []agent.Event{
		{Type: agent.EventStreamStart, MessageID: messageID, Model: "mock"},
		{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: text}},
		{Type: agent.EventBlockStop, Index: 0},
		{Type: agent.EventStreamDelta, StopReason: "end_turn", Usage: &agent.Usage{InputTokens: 1, OutputTokens: 1}},
		{Type: agent.EventStreamStop},
	}
}
