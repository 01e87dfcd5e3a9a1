package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/metrics"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/queue"
	"github.com/HyphaGroup/conduit/internal/rpc"
)

// Submit enqueues an inbound message for Run. It returns false once the
// orchestrator is shutting down.
func (o *Orchestrator) Submit(m protocol.Message) bool {
	return o.queue.Enqueue(m)
}

// Queue returns the inbound control queue.
func (o *Orchestrator) Queue() *queue.Queue[protocol.Message] {
	return o.queue
}

// Run consumes inbound messages until the queue is closed or ctx is done.
// A failing message is logged and counted; it never stops the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.idleTimeout > 0 {
		reapCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go o.reapLoop(reapCtx)
	}

	for {
		m, err := o.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := o.safeHandle(ctx, m); err != nil {
			metrics.RecordQueueError(string(m.Type))
			logger.Error("Failed to handle %s message (channel=%s): %v", m.Type, m.ChannelID, err)
		}
	}
}

func (o *Orchestrator) safeHandle(ctx context.Context, m protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", m.Type, r)
		}
	}()
	return o.Handle(ctx, m)
}

// Handle processes one inbound message.
func (o *Orchestrator) Handle(ctx context.Context, m protocol.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	switch m.Type {
	case protocol.TypeLaunchChannel:
		err := o.Launch(ctx, LaunchRequestFrom(m))
		var exists *ChannelAlreadyExistsError
		if err != nil && !errors.As(err, &exists) {
			// the client already created its stream; close it with the reason
			msg := protocol.NewClose(m.ChannelID, err)
			msg.LaunchID = m.LaunchID
			if sendErr := o.peer.Send(msg); sendErr != nil {
				logger.Error("Failed to report launch failure for channel %s: %v", m.ChannelID, sendErr)
			}
		}
		return err

	case protocol.TypeInterruptChannel:
		return o.Interrupt(ctx, m.ChannelID)

	case protocol.TypeCloseChannel:
		return o.Close(ctx, m.ChannelID, false, nil)

	case protocol.TypeIOMessage:
		return o.deliver(m)

	case protocol.TypeRequest:
		o.startDispatch(ctx, m)
		return nil

	case protocol.TypeResponse:
		if !o.correlator.Resolve(m) {
			logger.Info("Response %s matched no pending request", m.RequestID)
		}
		return nil

	case protocol.TypeCancelRequest:
		o.mu.Lock()
		cancel, ok := o.dispatches[m.TargetRequestID]
		o.mu.Unlock()
		if ok {
			cancel()
		}
		return nil
	}
	return nil
}

// deliver feeds a client io_message into the channel's input stream.
func (o *Orchestrator) deliver(m protocol.Message) error {
	ch, ok := o.lookup(m.ChannelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, m.ChannelID)
	}
	<-ch.ready
	if ch.failed {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, m.ChannelID)
	}

	if len(m.Message) > 0 && string(m.Message) != "null" {
		turn, err := decodeTurn(m.Message)
		if err != nil {
			return err
		}
		ch.input.Enqueue(turn)
	}
	if m.Done {
		ch.input.Done()
	}
	ch.touch()
	return nil
}

func decodeTurn(raw json.RawMessage) (agent.UserTurn, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return agent.UserTurn{Text: text}, nil
	}
	var turn agent.UserTurn
	if err := json.Unmarshal(raw, &turn); err != nil {
		return agent.UserTurn{}, fmt.Errorf("io_message payload must be a string or {\"text\": ...}: %w", err)
	}
	return turn, nil
}

// startDispatch answers a client request off the consumer loop so slow
// handlers never hold up control messages.
func (o *Orchestrator) startDispatch(ctx context.Context, m protocol.Message) {
	dctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.dispatches[m.RequestID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.dispatches, m.RequestID)
			o.mu.Unlock()
			cancel()
		}()

		start := time.Now()
		result, err := o.Dispatch(dctx, *m.Request)
		if err == nil && dctx.Err() != nil {
			err = fmt.Errorf("%s request cancelled: %w", m.Request.Kind, dctx.Err())
		}

		var reply protocol.Message
		status := "ok"
		if err != nil {
			status = "error"
			reply = protocol.NewErrorResponse(m.RequestID, err)
		} else if reply, err = protocol.NewResult(m.RequestID, result); err != nil {
			status = "error"
			reply = protocol.NewErrorResponse(m.RequestID, err)
		}
		metrics.RecordRPC(string(m.Request.Kind), status, time.Since(start))
		if err := o.peer.Send(reply); err != nil {
			logger.Error("Failed to answer %s request %s: %v", m.Request.Kind, m.RequestID, err)
		}
	}()
}

// Shutdown closes every channel, stops accepting messages and rejects all
// outstanding requests.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.shuttingDown = true
	o.mu.Unlock()

	o.closeAll(ctx, true, nil)
	o.queue.Close()
	if n := o.correlator.RejectAll(rpc.ErrShuttingDown); n > 0 {
		logger.Info("Rejected %d pending requests on shutdown", n)
	}

	o.mu.Lock()
	for id, cancel := range o.dispatches {
		cancel()
		delete(o.dispatches, id)
	}
	o.mu.Unlock()
}
