// Package client is the UI side of a conduit connection.
//
// A Client multiplexes channels over one transport. Engine events arriving
// for a channel are fanned into that channel's single-use event stream
// (held in a versioned registry) and into a router that assembles them into
// Message state. Requests from the orchestrator are answered by handlers
// registered per request kind, and requests to the orchestrator are
// correlated with their responses.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/registry"
	"github.com/HyphaGroup/conduit/internal/router"
	"github.com/HyphaGroup/conduit/internal/rpc"
	"github.com/HyphaGroup/conduit/internal/stream"
)

// ErrDisconnected rejects pending requests when the transport fails.
var ErrDisconnected = errors.New("disconnected from orchestrator")

// ErrUnknownChannel is returned for operations on a channel this client did not launch.
var ErrUnknownChannel = errors.New("unknown channel")

// Conn is the transport a Client runs over. *transport.Conn implements it.
type Conn interface {
	Send(m protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// HandlerFunc answers one orchestrator request. The returned value is sent
// as the response result.
type HandlerFunc func(ctx context.Context, channelID string, params json.RawMessage) (any, error)

// Options configure a Client.
type Options struct {
	Timeouts protocol.Timeouts
	Budgets  router.Budgets
}

// LaunchOptions are the launch_channel parameters. An empty ChannelID is
// replaced by a fresh uuid.
type LaunchOptions struct {
	ChannelID      string
	Resume         string
	Cwd            string
	Model          string
	PermissionMode string
	ThinkingBudget int
}

// Client is safe for concurrent use.
type Client struct {
	conn       Conn
	registry   *registry.Registry[agent.Event]
	correlator *rpc.Correlator
	budgets    router.Budgets

	mu       sync.Mutex
	channels map[string]*Channel
	handlers map[protocol.RequestKind]HandlerFunc

	// closing counts local closes per id whose echo from the orchestrator
	// may still be in flight.
	closing map[string]int
}

// New creates a client over conn. Call Run to start receiving.
func New(conn Conn, opts Options) *Client {
	return &Client{
		conn:       conn,
		registry:   registry.New[agent.Event](),
		correlator: rpc.New(opts.Timeouts),
		budgets:    opts.Budgets,
		channels:   make(map[string]*Channel),
		handlers:   make(map[protocol.RequestKind]HandlerFunc),
		closing:    make(map[string]int),
	}
}

// Channel is the client's view of one launched channel.
type Channel struct {
	ID         string
	Generation registry.Generation

	// LaunchID is sent with launch_channel and matched against the
	// orchestrator's close_channel.
	LaunchID string

	// Router assembles this channel's events into messages.
	Router *router.Router

	events *stream.Stream[agent.Event]

	once   sync.Once
	done   chan struct{}
	errMsg string
}

// Events returns the channel's raw event stream. It can be iterated once.
func (ch *Channel) Events() *stream.Stream[agent.Event] { return ch.events }

// Done is closed when the channel has ended.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Err returns the error the orchestrator reported when closing the channel,
// or nil for a normal end. It is only meaningful after Done is closed.
func (ch *Channel) Err() error {
	if ch.errMsg == "" {
		return nil
	}
	return errors.New(ch.errMsg)
}

// Handle registers fn for orchestrator requests of kind.
func (c *Client) Handle(kind protocol.RequestKind, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = fn
}

// Launch asks the orchestrator to start a channel. The returned view starts
// receiving events immediately.
func (c *Client) Launch(ctx context.Context, opts LaunchOptions) (*Channel, error) {
	id := opts.ChannelID
	if id == "" {
		id = uuid.New().String()
	}

	events, gen := c.registry.Create(id)
	ch := &Channel{
		ID:         id,
		Generation: gen,
		LaunchID:   uuid.NewString(),
		Router:     router.New(c.budgets),
		events:     events,
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.channels[id]
	c.channels[id] = ch
	c.mu.Unlock()
	if prev != nil {
		// the registry entry already belongs to ch
		prev.events.Done()
		prev.finish("")
	}

	err := c.conn.Send(protocol.Message{
		Type:           protocol.TypeLaunchChannel,
		ChannelID:      id,
		LaunchID:       ch.LaunchID,
		Resume:         opts.Resume,
		Cwd:            opts.Cwd,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
		ThinkingBudget: opts.ThinkingBudget,
	})
	if err != nil {
		c.closeChannel(ch, err)
		return nil, fmt.Errorf("failed to launch channel %s: %w", id, err)
	}
	return ch, nil
}

// Send delivers one user turn to a channel.
func (c *Client) Send(ctx context.Context, channelID, text string) error {
	m, err := protocol.NewIO(channelID, agent.UserTurn{Text: text}, false)
	if err != nil {
		return err
	}
	return c.conn.Send(m)
}

// EndInput finishes the channel's input. The engine ends the session once
// the last turn completes.
func (c *Client) EndInput(ctx context.Context, channelID string) error {
	return c.conn.Send(protocol.Message{Type: protocol.TypeIOMessage, ChannelID: channelID, Done: true})
}

// Interrupt asks the engine to stop the in-flight turn.
func (c *Client) Interrupt(ctx context.Context, channelID string) error {
	return c.conn.Send(protocol.Message{Type: protocol.TypeInterruptChannel, ChannelID: channelID})
}

// Close ends a channel. Only the generation live when Close was called is
// torn down; a channel relaunched under the same id meanwhile survives.
func (c *Client) Close(ctx context.Context, channelID string) error {
	ch, ok := c.lookup(channelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	c.mu.Lock()
	c.closing[channelID]++
	c.mu.Unlock()

	err := c.conn.Send(protocol.Message{Type: protocol.TypeCloseChannel, ChannelID: channelID, LaunchID: ch.LaunchID})
	c.closeChannel(ch, nil)
	return err
}

// Channel returns the live view for id.
func (c *Client) Channel(id string) (*Channel, bool) {
	return c.lookup(id)
}

// Request calls the orchestrator. channelID may be empty for connection-level kinds.
func (c *Client) Request(ctx context.Context, channelID string, kind protocol.RequestKind, params any) (json.RawMessage, error) {
	return c.correlator.Call(ctx, rpc.Call{ChannelID: channelID, Kind: kind, Params: params}, c.conn.Send)
}

// Initialize performs the connection handshake.
func (c *Client) Initialize(ctx context.Context, name, version string) (protocol.InitializeResult, error) {
	var result protocol.InitializeResult
	raw, err := c.Request(ctx, "", protocol.KindInitialize, protocol.InitializeParams{ClientName: name, ClientVersion: version})
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to decode initialize result: %w", err)
	}
	return result, nil
}

// ListChannels returns the orchestrator's live channels.
func (c *Client) ListChannels(ctx context.Context) ([]protocol.ChannelInfo, error) {
	raw, err := c.Request(ctx, "", protocol.KindListChannels, nil)
	if err != nil {
		return nil, err
	}
	var result protocol.ListChannelsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode list_channels result: %w", err)
	}
	return result.Channels, nil
}

// Run receives messages until the transport fails or ctx ends. On exit every
// channel is ended and every pending request rejected. A peer hang-up is
// reported as nil.
func (c *Client) Run(ctx context.Context) error {
	for {
		m, err := c.conn.Receive(ctx)
		if err != nil {
			c.disconnect(err)
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.handle(ctx, m)
	}
}

func (c *Client) handle(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.TypeIOMessage:
		c.deliver(m)

	case protocol.TypeCloseChannel:
		ch, ok := c.closeTarget(m)
		if !ok {
			return
		}
		var cause error
		if m.Error != "" {
			cause = errors.New(m.Error)
		}
		c.closeChannel(ch, cause)

	case protocol.TypeRequest:
		if m.Request == nil {
			logger.Error("Request %s without payload ignored", m.RequestID)
			return
		}
		go c.answer(ctx, m)

	case protocol.TypeResponse:
		if !c.correlator.Resolve(m) {
			logger.Info("Response %s matched no pending request", m.RequestID)
		}

	default:
		logger.Info("Ignoring unexpected %s message", m.Type)
	}
}

func (c *Client) deliver(m protocol.Message) {
	events, gen, ok := c.registry.Get(m.ChannelID)
	if !ok {
		logger.Info("Event for unknown channel %s dropped", m.ChannelID)
		return
	}
	var ev agent.Event
	if err := json.Unmarshal(m.Message, &ev); err != nil {
		logger.Error("Undecodable event on channel %s: %v", m.ChannelID, err)
		return
	}
	events.Enqueue(ev)

	ch, ok := c.lookup(m.ChannelID)
	if !ok || ch.Generation != gen {
		return
	}
	if err := ch.Router.Handle(ev); err != nil && !errors.Is(err, router.ErrDisposed) {
		logger.Info("Router rejected %s on channel %s: %v", ev.Type, m.ChannelID, err)
	}
}

func (c *Client) answer(ctx context.Context, m protocol.Message) {
	c.mu.Lock()
	fn, ok := c.handlers[m.Request.Kind]
	c.mu.Unlock()

	var reply protocol.Message
	if !ok {
		reply = protocol.NewErrorResponse(m.RequestID, fmt.Errorf("no handler for %s", m.Request.Kind))
	} else if result, err := fn(ctx, m.ChannelID, m.Request.Params); err != nil {
		reply = protocol.NewErrorResponse(m.RequestID, err)
	} else if reply, err = protocol.NewResult(m.RequestID, result); err != nil {
		reply = protocol.NewErrorResponse(m.RequestID, err)
	}

	if err := c.conn.Send(reply); err != nil {
		logger.Error("Failed to answer %s request %s: %v", m.Request.Kind, m.RequestID, err)
	}
}

// closeChannel ends exactly the generation ch was created with.
func (c *Client) closeChannel(ch *Channel, cause error) {
	c.registry.CloseGeneration(ch.ID, ch.Generation, cause)
	ch.Router.Dispose()

	c.mu.Lock()
	if c.channels[ch.ID] == ch {
		delete(c.channels, ch.ID)
	}
	c.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ch.finish(msg)
}

// closeTarget resolves an orchestrator close_channel to the live channel it
// ends. A close naming another launch is stale. Without a launch id, a close
// arriving while a local close of the id is outstanding is taken to be for
// the instance already closed.
func (c *Client) closeTarget(m protocol.Message) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, live := c.channels[m.ChannelID]
	if m.LaunchID != "" {
		if live && m.LaunchID == ch.LaunchID {
			return ch, true
		}
		logger.Info("Close for launch %s of channel %s ignored", m.LaunchID, m.ChannelID)
		return nil, false
	}
	if n := c.closing[m.ChannelID]; n > 0 {
		if n == 1 {
			delete(c.closing, m.ChannelID)
		} else {
			c.closing[m.ChannelID] = n - 1
		}
		logger.Info("Stale close for channel %s ignored", m.ChannelID)
		return nil, false
	}
	return ch, live
}

func (c *Client) disconnect(err error) {
	c.registry.Clear()
	if n := c.correlator.RejectAll(fmt.Errorf("%w: %v", ErrDisconnected, err)); n > 0 {
		logger.Info("Rejected %d pending requests after disconnect", n)
	}

	c.mu.Lock()
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.channels = make(map[string]*Channel)
	c.closing = make(map[string]int)
	c.mu.Unlock()

	for _, ch := range chans {
		ch.Router.Dispose()
		ch.finish(ErrDisconnected.Error())
	}
}

func (ch *Channel) finish(errMsg string) {
	ch.once.Do(func() {
		ch.errMsg = errMsg
		close(ch.done)
	})
}

func (c *Client) lookup(id string) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}
