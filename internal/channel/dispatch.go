package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/journal"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/validation"
)

// handler serves one request kind. Params are checked against the schema
// inferred from the handler's params type before the handler runs.
type handler struct {
	schema *protocol.ParamSchema
	call   func(ctx context.Context, raw json.RawMessage) (any, error)
}

func handle[P any, R any](fn func(ctx context.Context, p P) (R, error)) handler {
	schema := protocol.MustSchemaFor[P]()
	return handler{
		schema: schema,
		call: func(ctx context.Context, raw json.RawMessage) (any, error) {
			p, err := protocol.DecodeParams[P](schema, raw)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p)
		},
	}
}

type noParams struct{}

func (o *Orchestrator) handlerTable() map[protocol.RequestKind]handler {
	return map[protocol.RequestKind]handler{
		protocol.KindInitialize:        handle(o.handleInitialize),
		protocol.KindListChannels:      handle(o.handleListChannels),
		protocol.KindGetChannel:        handle(o.handleGetChannel),
		protocol.KindSetModel:          handle(o.handleSetModel),
		protocol.KindSetPermissionMode: handle(o.handleSetPermissionMode),
		protocol.KindSetThinkingBudget: handle(o.handleSetThinkingBudget),
		protocol.KindChannelHistory:    handle(o.handleChannelHistory),
	}
}

// Dispatch routes a client request to its handler.
func (o *Orchestrator) Dispatch(ctx context.Context, req protocol.Request) (json.RawMessage, error) {
	h, ok := o.handlers[req.Kind]
	if !ok {
		return nil, &UnknownRequestKindError{Kind: req.Kind}
	}
	result, err := h.call(ctx, req.Params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", req.Kind, err)
	}
	return raw, nil
}

func (o *Orchestrator) handleInitialize(ctx context.Context, p protocol.InitializeParams) (protocol.InitializeResult, error) {
	codec := protocol.CodecJSON
	if c, ok := o.peer.(interface{ Codec() protocol.Codec }); ok {
		codec = c.Codec().Name()
	}
	return protocol.InitializeResult{
		ServerVersion: o.serverVersion,
		Engine:        o.engine().Name(),
		Codec:         codec,
		Channels:      o.ids(),
	}, nil
}

func (o *Orchestrator) handleListChannels(ctx context.Context, _ noParams) (protocol.ListChannelsResult, error) {
	return protocol.ListChannelsResult{Channels: o.List()}, nil
}

func (o *Orchestrator) handleGetChannel(ctx context.Context, p protocol.ChannelParams) (protocol.ChannelInfo, error) {
	return o.Get(p.ChannelID)
}

// liveSession returns the running session for id.
func (o *Orchestrator) liveSession(id string) (*Channel, agent.Session, error) {
	ch, ok := o.lookup(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	<-ch.ready
	if ch.failed {
		return nil, nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return ch, ch.session, nil
}

func (o *Orchestrator) handleSetModel(ctx context.Context, p protocol.SetModelParams) (protocol.Ack, error) {
	if err := validation.ValidateModel(p.Model); err != nil {
		return protocol.Ack{}, err
	}
	ch, sess, err := o.liveSession(p.ChannelID)
	if err != nil {
		return protocol.Ack{}, err
	}
	setter, ok := sess.(agent.ModelSetter)
	if !ok {
		return protocol.Ack{}, fmt.Errorf("set_model: %w", ErrUnsupported)
	}
	setter.SetModel(p.Model)
	ch.update(func(r *LaunchRequest) { r.Model = p.Model })
	return protocol.Ack{OK: true}, nil
}

func (o *Orchestrator) handleSetPermissionMode(ctx context.Context, p protocol.SetPermissionModeParams) (protocol.Ack, error) {
	if err := validation.ValidatePermissionMode(p.PermissionMode); err != nil {
		return protocol.Ack{}, err
	}
	ch, sess, err := o.liveSession(p.ChannelID)
	if err != nil {
		return protocol.Ack{}, err
	}
	setter, ok := sess.(agent.PermissionModeSetter)
	if !ok {
		return protocol.Ack{}, fmt.Errorf("set_permission_mode: %w", ErrUnsupported)
	}
	setter.SetPermissionMode(p.PermissionMode)
	ch.update(func(r *LaunchRequest) { r.PermissionMode = p.PermissionMode })
	return protocol.Ack{OK: true}, nil
}

func (o *Orchestrator) handleSetThinkingBudget(ctx context.Context, p protocol.SetThinkingBudgetParams) (protocol.Ack, error) {
	if err := validation.ValidateThinkingBudget(p.ThinkingBudget); err != nil {
		return protocol.Ack{}, err
	}
	ch, sess, err := o.liveSession(p.ChannelID)
	if err != nil {
		return protocol.Ack{}, err
	}
	setter, ok := sess.(agent.ThinkingBudgetSetter)
	if !ok {
		return protocol.Ack{}, fmt.Errorf("set_thinking_budget: %w", ErrUnsupported)
	}
	setter.SetThinkingBudget(p.ThinkingBudget)
	ch.update(func(r *LaunchRequest) { r.ThinkingBudget = p.ThinkingBudget })
	return protocol.Ack{OK: true}, nil
}

func (o *Orchestrator) handleChannelHistory(ctx context.Context, p protocol.ChannelHistoryParams) (protocol.ChannelHistoryResult, error) {
	result := protocol.ChannelHistoryResult{ChannelID: p.ChannelID, Entries: []protocol.HistoryEntry{}}
	if o.journal == nil {
		return result, nil
	}
	entries, err := o.journal.History(p.ChannelID, p.Limit)
	if err != nil {
		return result, err
	}
	token, err := o.journal.LatestResumeToken(p.ChannelID)
	if err != nil && !errors.Is(err, journal.ErrNotFound) {
		return result, err
	}
	result.ResumeToken = token
	for _, e := range entries {
		result.Entries = append(result.Entries, protocol.HistoryEntry{
			Event:       string(e.Event),
			Reason:      e.Reason,
			Detail:      e.Detail,
			ResumeToken: e.ResumeToken,
			At:          e.At,
		})
	}
	return result, nil
}
