// Package mcp exposes conduit channels as Model Context Protocol tools, so an
// MCP host can launch agent channels, converse with them turn by turn, and
// manage them through a running conduit daemon.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/conduit/internal/audit"
	"github.com/HyphaGroup/conduit/internal/auth"
	"github.com/HyphaGroup/conduit/internal/client"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/router"
)

// DefaultReplyTimeout bounds how long channel_send waits for a reply.
const DefaultReplyTimeout = 5 * time.Minute

// BridgeOptions configure a Bridge.
type BridgeOptions struct {
	// Cwd is used for launches that do not name a working directory.
	Cwd string

	ReplyTimeout time.Duration

	// AllowTools approves every tool_permission request. Otherwise tools
	// are denied, since an MCP host has no way to be asked mid-call.
	AllowTools bool

	// Audit receives launch, close and tool call records; nil uses
	// audit.Default().
	Audit *audit.Logger
}

// Bridge maps MCP tool calls onto a conduit client.
type Bridge struct {
	client   *client.Client
	opts     BridgeOptions
	registry *Registry

	mu      sync.Mutex
	tracked map[string]*tracked
}

// tracked collects the finished top-level messages of one channel view.
type tracked struct {
	ch      *client.Channel
	replies chan Reply
	sendMu  sync.Mutex
}

// Reply is the outcome of one conversational turn.
type Reply struct {
	ChannelID   string `json:"channelId"`
	MessageID   string `json:"messageId,omitempty"`
	Text        string `json:"text"`
	StopReason  string `json:"stopReason,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewBridge creates a bridge over c and registers its tools.
func NewBridge(c *client.Client, opts BridgeOptions) *Bridge {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Audit == nil {
		opts.Audit = audit.Default()
	}
	b := &Bridge{
		client:   c,
		opts:     opts,
		registry: NewRegistry(),
		tracked:  make(map[string]*tracked),
	}
	b.registry.SetAuditLogger(opts.Audit)
	b.registerTools()
	c.Handle(protocol.KindToolPermission, b.toolPermission)
	c.Handle(protocol.KindOpenFile, acknowledge)
	c.Handle(protocol.KindOpenDiff, acknowledge)
	return b
}

func (b *Bridge) toolPermission(ctx context.Context, channelID string, params json.RawMessage) (any, error) {
	var p protocol.ToolPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid tool_permission params: %w", err)
	}
	if b.opts.AllowTools {
		logger.Info("Allowed tool %s on channel %s", p.ToolName, channelID)
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorAllow}, nil
	}
	return protocol.ToolPermissionResult{
		Behavior: protocol.BehaviorDeny,
		Message:  "tool use is disabled for MCP channels; set mcp.allow_tools to enable it",
	}, nil
}

// acknowledge answers editor requests; there is no editor behind an MCP host.
func acknowledge(context.Context, string, json.RawMessage) (any, error) {
	return protocol.Ack{OK: true}, nil
}

// Registry returns the bridge's tools.
func (b *Bridge) Registry() *Registry { return b.registry }

type LaunchParams struct {
	ChannelID      string `json:"channelId,omitempty" jsonschema:"channel id to use; generated when omitted"`
	Cwd            string `json:"cwd,omitempty" jsonschema:"absolute working directory for the agent"`
	Model          string `json:"model,omitempty" jsonschema:"model override"`
	PermissionMode string `json:"permissionMode,omitempty" jsonschema:"default, acceptEdits, plan or bypassPermissions"`
	Resume         string `json:"resume,omitempty" jsonschema:"resume token of an earlier session"`
}

type SendParams struct {
	ChannelID      string `json:"channelId" jsonschema:"channel to talk to"`
	Text           string `json:"text" jsonschema:"user turn text"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" jsonschema:"how long to wait for the reply"`
}

type ChannelParams struct {
	ChannelID string `json:"channelId" jsonschema:"target channel"`
}

type SetModelParams struct {
	ChannelID string `json:"channelId" jsonschema:"target channel"`
	Model     string `json:"model" jsonschema:"model to switch to"`
}

type HistoryParams struct {
	ChannelID string `json:"channelId" jsonschema:"target channel"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of entries"`
}

type emptyParams struct{}

func (b *Bridge) registerTools() {
	Register(b.registry, "channel_launch",
		"Launch an agent channel. Returns the channel's info once the daemon has started it.",
		b.launch)
	Register(b.registry, "channel_send",
		"Send a user turn to a channel and wait for the agent's reply.",
		b.send)
	Register(b.registry, "channel_interrupt",
		"Interrupt the turn in flight on a channel.",
		b.interrupt)
	Register(b.registry, "channel_close",
		"Close a channel.",
		b.close)
	Register(b.registry, "channel_list",
		"List the daemon's live channels.",
		b.list, ReadOnly())
	Register(b.registry, "channel_set_model",
		"Change the model of a live channel.",
		b.setModel)
	Register(b.registry, "channel_history",
		"Show the journal history of a channel, including resume tokens.",
		b.history, ReadOnly())
}

// authorize checks that the caller's token covers channel id. Callers
// without an AuthContext (stdio) are trusted.
func authorize(ctx context.Context, id string) error {
	a := auth.FromContext(ctx)
	if a == nil || a.CanAccessChannel(id) {
		return nil
	}
	return fmt.Errorf("%w: token scope %s does not cover channel %s", ErrForbidden, a.Token.Scope, id)
}

// launchID picks the id for a launch. Channel-scoped tokens get generated
// ids under their prefix.
func launchID(ctx context.Context, requested string) (string, error) {
	prefix := auth.FromContext(ctx).ChannelPrefix()
	if requested == "" {
		if prefix == "" {
			return "", nil
		}
		return prefix + uuid.New().String()[:8], nil
	}
	if err := authorize(ctx, requested); err != nil {
		return "", err
	}
	return requested, nil
}

func (b *Bridge) launch(ctx context.Context, p LaunchParams) (*mcp_sdk.CallToolResult, error) {
	id, err := launchID(ctx, p.ChannelID)
	if err != nil {
		return nil, err
	}
	cwd := p.Cwd
	if cwd == "" {
		cwd = b.opts.Cwd
	}
	info, err := b.doLaunch(ctx, client.LaunchOptions{
		ChannelID:      id,
		Resume:         p.Resume,
		Cwd:            cwd,
		Model:          p.Model,
		PermissionMode: p.PermissionMode,
	})
	b.opts.Audit.Record(auth.FromContext(ctx), audit.OpChannelLaunch, launchedID(info, id), err)
	if err != nil {
		return nil, err
	}
	return NewJSONResult(info)
}

func launchedID(info *protocol.ChannelInfo, fallback string) string {
	if info != nil {
		return info.ID
	}
	return fallback
}

func (b *Bridge) doLaunch(ctx context.Context, opts client.LaunchOptions) (*protocol.ChannelInfo, error) {
	ch, err := b.client.Launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	b.track(ch)

	// requests are answered after the launch before them has been handled
	raw, err := b.client.Request(ctx, ch.ID, protocol.KindGetChannel, protocol.ChannelParams{ChannelID: ch.ID})
	if err != nil {
		select {
		case <-ch.Done():
			if cause := ch.Err(); cause != nil {
				return nil, fmt.Errorf("launch of %s failed: %w", ch.ID, cause)
			}
		case <-time.After(100 * time.Millisecond):
		}
		return nil, fmt.Errorf("launch of %s failed: %w", ch.ID, err)
	}
	var info protocol.ChannelInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode channel info: %w", err)
	}
	return &info, nil
}

func (b *Bridge) send(ctx context.Context, p SendParams) (*mcp_sdk.CallToolResult, error) {
	if err := authorize(ctx, p.ChannelID); err != nil {
		return nil, err
	}
	t, ok := b.lookup(p.ChannelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", client.ErrUnknownChannel, p.ChannelID)
	}
	timeout := b.opts.ReplyTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	// replies left over from an abandoned wait belong to earlier turns
	for drained := false; !drained; {
		select {
		case <-t.replies:
		default:
			drained = true
		}
	}

	if err := b.client.Send(ctx, p.ChannelID, p.Text); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-t.replies:
		if r.Error != "" {
			return NewErrorResult(r.Error), nil
		}
		return NewJSONResult(r)
	case <-t.ch.Done():
		if err := t.ch.Err(); err != nil {
			return nil, fmt.Errorf("channel %s ended: %w", p.ChannelID, err)
		}
		return nil, fmt.Errorf("channel %s ended before replying", p.ChannelID)
	case <-timer.C:
		return nil, fmt.Errorf("no reply from channel %s within %v", p.ChannelID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) interrupt(ctx context.Context, p ChannelParams) (*mcp_sdk.CallToolResult, error) {
	if err := authorize(ctx, p.ChannelID); err != nil {
		return nil, err
	}
	if _, ok := b.lookup(p.ChannelID); !ok {
		return nil, fmt.Errorf("%w: %s", client.ErrUnknownChannel, p.ChannelID)
	}
	if err := b.client.Interrupt(ctx, p.ChannelID); err != nil {
		return nil, err
	}
	return NewTextResult(fmt.Sprintf("Interrupted channel %s.", p.ChannelID)), nil
}

func (b *Bridge) close(ctx context.Context, p ChannelParams) (*mcp_sdk.CallToolResult, error) {
	if err := authorize(ctx, p.ChannelID); err != nil {
		return nil, err
	}
	err := b.client.Close(ctx, p.ChannelID)
	b.opts.Audit.Record(auth.FromContext(ctx), audit.OpChannelClose, p.ChannelID, err)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	delete(b.tracked, p.ChannelID)
	b.mu.Unlock()
	return NewTextResult(fmt.Sprintf("Closed channel %s.", p.ChannelID)), nil
}

func (b *Bridge) list(ctx context.Context, _ emptyParams) (*mcp_sdk.CallToolResult, error) {
	channels, err := b.client.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	if a := auth.FromContext(ctx); a != nil {
		visible := channels[:0]
		for _, info := range channels {
			if a.CanAccessChannel(info.ID) {
				visible = append(visible, info)
			}
		}
		channels = visible
	}
	return NewJSONResult(channels)
}

func (b *Bridge) setModel(ctx context.Context, p SetModelParams) (*mcp_sdk.CallToolResult, error) {
	if err := authorize(ctx, p.ChannelID); err != nil {
		return nil, err
	}
	if _, err := b.client.Request(ctx, p.ChannelID, protocol.KindSetModel, protocol.SetModelParams{ChannelID: p.ChannelID, Model: p.Model}); err != nil {
		return nil, err
	}
	return NewTextResult(fmt.Sprintf("Channel %s now uses %s.", p.ChannelID, p.Model)), nil
}

func (b *Bridge) history(ctx context.Context, p HistoryParams) (*mcp_sdk.CallToolResult, error) {
	if err := authorize(ctx, p.ChannelID); err != nil {
		return nil, err
	}
	raw, err := b.client.Request(ctx, p.ChannelID, protocol.KindChannelHistory, protocol.ChannelHistoryParams{ChannelID: p.ChannelID, Limit: p.Limit})
	if err != nil {
		return nil, err
	}
	var result protocol.ChannelHistoryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return NewJSONResult(result)
}

// track starts collecting finished replies for ch, replacing any earlier
// view of the same channel id.
func (b *Bridge) track(ch *client.Channel) {
	t := &tracked{ch: ch, replies: make(chan Reply, 8)}
	ch.Router.OnFinish(func(m *router.Message, reason router.Reason) {
		if m.ParentID() != "" {
			return
		}
		r := Reply{
			ChannelID:   ch.ID,
			MessageID:   m.ID(),
			Text:        m.Text(),
			StopReason:  m.StopReason(),
			Interrupted: m.Interrupted(),
			Error:       m.Err(),
		}
		select {
		case t.replies <- r:
		default:
			logger.Info("Reply %s on channel %s dropped; nobody is waiting", r.MessageID, ch.ID)
		}
	})

	b.mu.Lock()
	b.tracked[ch.ID] = t
	b.mu.Unlock()

	go drain(ch)
	go func() {
		<-ch.Done()
		b.mu.Lock()
		if b.tracked[ch.ID] == t {
			delete(b.tracked, ch.ID)
		}
		b.mu.Unlock()
	}()
}

func (b *Bridge) lookup(id string) (*tracked, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tracked[id]
	return t, ok
}

// drain consumes the raw event stream; replies are assembled by the router.
func drain(ch *client.Channel) {
	it, err := ch.Events().Iter()
	if err != nil {
		return
	}
	defer it.Return()
	for {
		if _, err := it.Next(context.Background()); err != nil {
			return
		}
	}
}
