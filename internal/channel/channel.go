// Package channel implements the orchestrator that owns live agent channels.
//
// A channel pairs an engine session with the input stream feeding it and a
// forwarding task that relays its events to the peer. The orchestrator
// launches, interrupts and closes channels in response to control messages,
// answers client requests and lets engines call back to the client.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/stream"
)

// Status is the lifecycle state of a channel.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusClosing  Status = "closing"
)

// LaunchRequest holds the parameters of launch_channel.
type LaunchRequest struct {
	ChannelID      string
	LaunchID       string
	Resume         string
	Cwd            string
	Model          string
	PermissionMode string
	ThinkingBudget int
}

// LaunchRequestFrom extracts launch parameters from a wire message.
func LaunchRequestFrom(m protocol.Message) LaunchRequest {
	return LaunchRequest{
		ChannelID:      m.ChannelID,
		LaunchID:       m.LaunchID,
		Resume:         m.Resume,
		Cwd:            m.Cwd,
		Model:          m.Model,
		PermissionMode: m.PermissionMode,
		ThinkingBudget: m.ThinkingBudget,
	}
}

// Channel is one live session. Fields set during launch are immutable
// once ready is closed.
type Channel struct {
	ID        string
	LaunchID  string
	StartedAt time.Time

	input   *stream.Stream[agent.UserTurn]
	session agent.Session

	// forwarding task
	cancel context.CancelFunc
	done   chan struct{}

	ready     chan struct{} // closed when launch finishes either way
	failed    bool
	closeOnce sync.Once
	closed    chan struct{} // closed when teardown has finished

	mu           sync.Mutex
	status       Status
	req          LaunchRequest
	lastActivity time.Time
}

func newChannel(req LaunchRequest, now time.Time) *Channel {
	return &Channel{
		ID:           req.ChannelID,
		LaunchID:     req.LaunchID,
		StartedAt:    now,
		ready:        make(chan struct{}),
		closed:       make(chan struct{}),
		status:       StatusStarting,
		req:          req,
		lastActivity: now,
	}
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Status returns the current lifecycle state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns when the channel last carried a message either way.
func (c *Channel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Channel) update(fn func(*LaunchRequest)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.req)
}

// Info returns a snapshot suitable for get_channel and list_channels.
func (c *Channel) Info() protocol.ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := protocol.ChannelInfo{
		ID:             c.ID,
		Status:         string(c.status),
		Cwd:            c.req.Cwd,
		Model:          c.req.Model,
		PermissionMode: c.req.PermissionMode,
		ThinkingBudget: c.req.ThinkingBudget,
		StartedAt:      c.StartedAt,
	}
	if c.session != nil {
		info.ResumeToken = c.session.ResumeToken()
	}
	return info
}
