package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/journal"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/metrics"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/queue"
	"github.com/HyphaGroup/conduit/internal/rpc"
	"github.com/HyphaGroup/conduit/internal/stream"
	"github.com/HyphaGroup/conduit/internal/validation"
)

// Peer sends messages to the connected client.
type Peer interface {
	Send(m protocol.Message) error
}

// Journal records channel lifecycle. *journal.Store implements it.
type Journal interface {
	RecordLaunch(channelID string, l journal.Launch) error
	RecordResumeToken(channelID, token string) error
	RecordClose(channelID, reason, detail string) error
	History(channelID string, limit int) ([]journal.Entry, error)
	LatestResumeToken(channelID string) (string, error)
}

// Options configure an Orchestrator.
type Options struct {
	Engine agent.Engine

	// EngineSource, when set, is asked for the engine on every launch and
	// takes precedence over Engine. It lets a daemon swap engines under
	// live connections.
	EngineSource func() agent.Engine

	Peer    Peer
	Journal Journal // optional

	Timeouts protocol.Timeouts

	// IdleTimeout closes channels with no traffic for this long. Zero disables reaping.
	IdleTimeout time.Duration

	ServerVersion string
}

// Orchestrator owns the live channels of one client connection.
type Orchestrator struct {
	engine        func() agent.Engine
	peer          Peer
	journal       Journal
	idleTimeout   time.Duration
	serverVersion string

	correlator *rpc.Correlator
	queue      *queue.Queue[protocol.Message]
	handlers   map[protocol.RequestKind]handler

	mu           sync.Mutex
	channels     map[string]*Channel
	dispatches   map[string]context.CancelFunc
	shuttingDown bool
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	engine := opts.EngineSource
	if engine == nil {
		fixed := opts.Engine
		engine = func() agent.Engine { return fixed }
	}
	o := &Orchestrator{
		engine:        engine,
		peer:          opts.Peer,
		journal:       opts.Journal,
		idleTimeout:   opts.IdleTimeout,
		serverVersion: opts.ServerVersion,
		correlator:    rpc.New(opts.Timeouts),
		queue:         queue.New[protocol.Message](),
		channels:      make(map[string]*Channel),
		dispatches:    make(map[string]context.CancelFunc),
	}
	o.handlers = o.handlerTable()
	return o
}

// Launch starts a channel. It fails with *ChannelAlreadyExistsError if the
// id is live, leaving that channel untouched.
func (o *Orchestrator) Launch(ctx context.Context, req LaunchRequest) error {
	if err := validateLaunch(req); err != nil {
		metrics.RecordChannelLaunch("invalid")
		return err
	}
	if req.PermissionMode == "" {
		req.PermissionMode = agent.PermissionDefault
	}

	ch := newChannel(req, time.Now())
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return rpc.ErrShuttingDown
	}
	if _, exists := o.channels[req.ChannelID]; exists {
		o.mu.Unlock()
		metrics.RecordChannelLaunch("duplicate")
		return &ChannelAlreadyExistsError{ChannelID: req.ChannelID}
	}
	o.channels[req.ChannelID] = ch
	o.mu.Unlock()
	defer close(ch.ready)

	engine := o.engine()
	input := stream.New[agent.UserTurn](nil)
	session, err := engine.Start(ctx, agent.StartOptions{
		ChannelID: req.ChannelID,
		Resume:    req.Resume,
		Cwd:       req.Cwd,
		Settings: agent.Settings{
			Model:          req.Model,
			PermissionMode: req.PermissionMode,
			ThinkingBudget: req.ThinkingBudget,
		},
		Input:     input,
		Requester: o.requesterFor(req.ChannelID),
	})
	if err != nil {
		input.Done()
		ch.failed = true
		o.remove(ch)
		metrics.RecordChannelLaunch("failed")
		logger.Error("Failed to start engine for channel %s: %v", req.ChannelID, err)
		return fmt.Errorf("failed to start engine for channel %s: %w", req.ChannelID, err)
	}

	fwdCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.input = input
	ch.session = session
	ch.cancel = cancel
	ch.done = make(chan struct{})
	ch.status = StatusRunning
	ch.mu.Unlock()

	o.record(func(j Journal) error {
		if err := j.RecordLaunch(req.ChannelID, journal.Launch{
			Cwd:            req.Cwd,
			Model:          req.Model,
			PermissionMode: req.PermissionMode,
			Resume:         req.Resume,
		}); err != nil {
			return err
		}
		return j.RecordResumeToken(req.ChannelID, session.ResumeToken())
	})

	metrics.RecordChannelLaunch("ok")
	metrics.ActiveChannels.Inc()
	logger.Info("Channel %s launched (engine=%s, cwd=%s)", req.ChannelID, engine.Name(), req.Cwd)

	go o.runForwarder(fwdCtx, ch)
	return nil
}

func validateLaunch(req LaunchRequest) error {
	for _, err := range []error{
		validation.ValidateChannelID(req.ChannelID),
		validation.ValidateCwd(req.Cwd),
		validation.ValidateModel(req.Model),
		validation.ValidatePermissionMode(req.PermissionMode),
		validation.ValidateThinkingBudget(req.ThinkingBudget),
	} {
		if err != nil {
			return fmt.Errorf("invalid launch: %w", err)
		}
	}
	return nil
}

// runForwarder relays session events to the peer until the session ends
// or the task is cancelled. On a natural end it closes the exact channel
// instance it served.
func (o *Orchestrator) runForwarder(ctx context.Context, ch *Channel) {
	natural, cause := o.forward(ctx, ch)
	close(ch.done)
	if natural {
		_ = o.closeInstance(context.Background(), ch, true, cause)
	}
}

func (o *Orchestrator) forward(ctx context.Context, ch *Channel) (natural bool, cause error) {
	for {
		ev, err := ch.session.Next(ctx)
		if ctx.Err() != nil {
			return false, nil
		}
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return true, &EngineIterationError{ChannelID: ch.ID, Err: err}
		}

		msg, err := protocol.NewIO(ch.ID, ev, false)
		if err != nil {
			logger.Error("Dropping unencodable %s event on channel %s: %v", ev.Type, ch.ID, err)
			continue
		}
		if err := o.peer.Send(msg); err != nil {
			return true, fmt.Errorf("failed to forward event: %w", err)
		}
		metrics.RecordEngineEvent(string(ev.Type))
		ch.touch()
	}
}

// Interrupt asks the engine to stop in-flight work. Unknown ids are a
// logged no-op.
func (o *Orchestrator) Interrupt(ctx context.Context, id string) error {
	ch, ok := o.lookup(id)
	if !ok {
		logger.Info("Interrupt for unknown channel %s ignored", id)
		return nil
	}
	<-ch.ready
	if ch.failed {
		return nil
	}
	if err := ch.session.Interrupt(ctx); err != nil {
		return fmt.Errorf("failed to interrupt channel %s: %w", id, err)
	}
	logger.Info("Channel %s interrupted", id)
	return nil
}

// Close tears down a channel. It is idempotent, and every concurrent caller
// returns only after teardown has finished. Unknown ids are a no-op.
//
// If ctx ends while the forwarding task is stuck sending to the peer, the
// task is abandoned and teardown continues without notifying the peer.
// Close then returns ctx's error.
func (o *Orchestrator) Close(ctx context.Context, id string, notifyPeer bool, cause error) error {
	ch, ok := o.lookup(id)
	if !ok {
		return nil
	}
	return o.closeInstance(ctx, ch, notifyPeer, cause)
}

func (o *Orchestrator) closeInstance(ctx context.Context, ch *Channel, notifyPeer bool, cause error) error {
	select {
	case <-ch.ready:
	case <-ctx.Done():
		return fmt.Errorf("close of channel %s: launch still running: %w", ch.ID, ctx.Err())
	}
	if ch.failed {
		return nil
	}
	var abandoned error
	ch.closeOnce.Do(func() {
		defer close(ch.closed)
		ch.setStatus(StatusClosing)

		// (a) stop the forwarding task and wait for it
		ch.cancel()
		select {
		case <-ch.done:
		default:
			select {
			case <-ch.done:
			case <-ctx.Done():
				abandoned = ctx.Err()
				notifyPeer = false
				logger.Error("Forwarder for channel %s still blocked on the peer; abandoning it", ch.ID)
			}
		}

		// (b) tell the peer
		if notifyPeer {
			msg := protocol.NewClose(ch.ID, cause)
			msg.LaunchID = ch.LaunchID
			if err := o.peer.Send(msg); err != nil {
				logger.Error("Failed to notify peer of channel %s close: %v", ch.ID, err)
			}
		}

		// (c) finish input and release the engine
		o.correlator.RejectChannel(ch.ID, ErrChannelClosed)
		ch.input.Done()
		if err := ch.session.Close(); err != nil {
			logger.Error("Engine session close failed for channel %s: %v", ch.ID, err)
		}

		// (d) unregister
		o.remove(ch)

		reason := "normal"
		detail := ""
		if cause != nil {
			reason = closeReason(cause)
			detail = cause.Error()
		}
		o.record(func(j Journal) error { return j.RecordClose(ch.ID, reason, detail) })
		metrics.RecordChannelClose(reason, ch.StartedAt)
		metrics.ActiveChannels.Dec()
		if cause != nil {
			logger.Info("Channel %s closed: %v", ch.ID, cause)
		} else {
			logger.Info("Channel %s closed", ch.ID)
		}
	})
	<-ch.closed
	if abandoned != nil {
		return fmt.Errorf("close of channel %s: %w", ch.ID, abandoned)
	}
	return nil
}

func closeReason(cause error) string {
	var iterErr *EngineIterationError
	switch {
	case errors.As(cause, &iterErr):
		return "engine_error"
	case errors.Is(cause, ErrIdleTimeout):
		return "idle"
	case errors.Is(cause, rpc.ErrShuttingDown):
		return "shutdown"
	default:
		return "error"
	}
}

// CloseAll closes every live channel and waits for all of them.
func (o *Orchestrator) CloseAll(ctx context.Context) {
	o.closeAll(ctx, true, nil)
}

// CloseAllOnCredentialChange closes every channel so later launches pick up
// new credentials.
func (o *Orchestrator) CloseAllOnCredentialChange(ctx context.Context) {
	logger.Info("Credentials changed; closing %d channels", len(o.ids()))
	o.closeAll(ctx, true, errors.New("credentials changed"))
}

func (o *Orchestrator) closeAll(ctx context.Context, notifyPeer bool, cause error) {
	var wg sync.WaitGroup
	for _, id := range o.ids() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := o.Close(ctx, id, notifyPeer, cause); err != nil {
				logger.Error("%v", err)
			}
		}(id)
	}
	wg.Wait()
}

// Get returns a snapshot of a live channel.
func (o *Orchestrator) Get(id string) (protocol.ChannelInfo, error) {
	ch, ok := o.lookup(id)
	if !ok {
		return protocol.ChannelInfo{}, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return ch.Info(), nil
}

// List returns snapshots of all live channels ordered by id.
func (o *Orchestrator) List() []protocol.ChannelInfo {
	o.mu.Lock()
	chans := make([]*Channel, 0, len(o.channels))
	for _, ch := range o.channels {
		chans = append(chans, ch)
	}
	o.mu.Unlock()

	out := make([]protocol.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendRequest calls the client on behalf of a channel and waits for the
// reply. timeout zero selects the default for kind.
func (o *Orchestrator) SendRequest(ctx context.Context, channelID string, kind protocol.RequestKind, params any, timeout time.Duration) (json.RawMessage, error) {
	o.mu.Lock()
	shutting := o.shuttingDown
	o.mu.Unlock()
	if shutting {
		return nil, rpc.ErrShuttingDown
	}
	return o.correlator.Call(ctx, rpc.Call{
		ChannelID: channelID,
		Kind:      kind,
		Params:    params,
		Timeout:   timeout,
	}, o.peer.Send)
}

func (o *Orchestrator) requesterFor(channelID string) agent.Requester {
	return agent.RequesterFunc(func(ctx context.Context, kind protocol.RequestKind, params any) (json.RawMessage, error) {
		return o.SendRequest(ctx, channelID, kind, params, 0)
	})
}

// ReapIdle closes channels whose last traffic is older than the idle
// timeout and returns how many it closed.
func (o *Orchestrator) ReapIdle(ctx context.Context, now time.Time) int {
	if o.idleTimeout <= 0 {
		return 0
	}
	o.mu.Lock()
	var idle []*Channel
	for _, ch := range o.channels {
		if ch.Status() == StatusRunning && now.Sub(ch.LastActivity()) > o.idleTimeout {
			idle = append(idle, ch)
		}
	}
	o.mu.Unlock()

	if len(idle) > 0 {
		logger.Info("Closing %d idle channels", len(idle))
	}
	for _, ch := range idle {
		logger.Info("Channel %s idle for %v", ch.ID, now.Sub(ch.LastActivity()).Round(time.Second))
		if err := o.closeInstance(ctx, ch, true, fmt.Errorf("%w after %v", ErrIdleTimeout, o.idleTimeout)); err != nil {
			logger.Error("Idle close: %v", err)
		}
	}
	return len(idle)
}

func (o *Orchestrator) reapLoop(ctx context.Context) {
	interval := o.idleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.ReapIdle(ctx, now)
		}
	}
}

func (o *Orchestrator) lookup(id string) (*Channel, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.channels[id]
	return ch, ok
}

// remove deletes ch only if it is still the registered instance for its id.
func (o *Orchestrator) remove(ch *Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.channels[ch.ID] == ch {
		delete(o.channels, ch.ID)
	}
}

func (o *Orchestrator) ids() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.channels))
	for id := range o.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) record(fn func(Journal) error) {
	if o.journal == nil {
		return
	}
	if err := fn(o.journal); err != nil {
		logger.Error("Journal write failed: %v", err)
	}
}
