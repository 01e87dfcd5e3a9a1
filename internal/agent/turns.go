// Package agent provides the agent engine abstraction layer.
//
// turns.go - Shared turn-driven Session implementation
//
// TurnSession pulls user turns from the input stream one at a time and
// hands each to a TurnRunner, which streams the model's reply as events.
// Events are buffered in a restartable queue so the runner never blocks on
// the forwarding task. Interrupt cancels only the in-flight turn; any stream
// the runner left open is closed with StopReasonInterrupted so downstream
// consumers see a terminal event.

package agent

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/queue"
	"github.com/HyphaGroup/conduit/internal/stream"
)

// TurnRequest is everything a runner needs for one turn
type TurnRequest struct {
	ChannelID string
	Cwd       string
	Turn      UserTurn
	History   []Exchange
	Settings  Settings
	Requester Requester
}

// EmitFunc publishes one event. It fails once the session is closed.
type EmitFunc func(Event) error

// TurnRunner streams the reply to one user turn and returns the assistant
// text for the transcript.
type TurnRunner interface {
	RunTurn(ctx context.Context, req TurnRequest, emit EmitFunc) (string, error)
}

// TurnSession implements Session on top of a TurnRunner
type TurnSession struct {
	channelID   string
	cwd         string
	token       string
	runner      TurnRunner
	transcripts *Transcripts
	requester   Requester
	input       *stream.Stream[UserTurn]
	events      *queue.Queue[Event]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	settings   Settings
	turnCancel context.CancelFunc
	err        error
	closed     bool
}

// StartTurnSession starts the turn loop. transcripts may be nil.
func StartTurnSession(opts StartOptions, runner TurnRunner, transcripts *Transcripts) *TurnSession {
	token := opts.Resume
	if token == "" {
		token = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TurnSession{
		channelID:   opts.ChannelID,
		cwd:         opts.Cwd,
		token:       token,
		runner:      runner,
		transcripts: transcripts,
		requester:   opts.Requester,
		input:       opts.Input,
		events:      queue.New[Event](),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		settings:    opts.Settings,
	}
	go s.loop()
	return s
}

func (s *TurnSession) loop() {
	defer close(s.done)
	defer s.events.Close()

	it, err := s.input.Iter()
	if err != nil {
		s.fail(err)
		return
	}
	defer it.Return()

	for {
		turn, err := it.Next(s.ctx)
		if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.runTurn(turn); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *TurnSession) runTurn(turn UserTurn) error {
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	settings := s.settings
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	open := make(map[string]bool)
	emit := func(e Event) error {
		switch e.Type {
		case EventStreamStart:
			open[e.ParentID] = true
		case EventStreamStop, EventError:
			delete(open, e.ParentID)
		}
		if !s.events.Enqueue(e.Stamp()) {
			return ErrSessionClosed
		}
		return nil
	}

	var history []Exchange
	if s.transcripts != nil {
		history = s.transcripts.Load(s.token)
	}

	reply, err := s.runner.RunTurn(turnCtx, TurnRequest{
		ChannelID: s.channelID,
		Cwd:       s.cwd,
		Turn:      turn,
		History:   history,
		Settings:  settings,
		Requester: s.requester,
	}, emit)

	if s.ctx.Err() != nil {
		return nil
	}
	if turnCtx.Err() != nil {
		logger.Info("Turn interrupted on channel %s", s.channelID)
		for parent := range open {
			_ = emit(Event{Type: EventStreamStop, ParentID: parent, StopReason: StopReasonInterrupted})
		}
		return nil
	}
	if err != nil {
		for parent := range open {
			_ = emit(Event{Type: EventError, ParentID: parent, Error: err.Error()})
		}
		return err
	}

	if s.transcripts != nil {
		s.transcripts.Append(s.token, Exchange{User: turn.Text, Assistant: reply})
	}
	return nil
}

func (s *TurnSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Next returns the next event, io.EOF after the input ends, or the error
// that ended the session once the buffered events are drained.
func (s *TurnSession) Next(ctx context.Context) (Event, error) {
	e, err := s.events.Dequeue(ctx)
	if errors.Is(err, queue.ErrClosed) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	return e, err
}

// Interrupt cancels the in-flight turn, if any.
func (s *TurnSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
	return nil
}

// Close stops the turn loop and waits for it to exit. It is idempotent.
func (s *TurnSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

// ResumeToken returns the transcript key for this conversation.
func (s *TurnSession) ResumeToken() string {
	return s.token
}

// Settings returns the current settings.
func (s *TurnSession) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetModel takes effect from the next turn.
func (s *TurnSession) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Model = model
}

// SetPermissionMode takes effect from the next turn.
func (s *TurnSession) SetPermissionMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.PermissionMode = mode
}

// SetThinkingBudget takes effect from the next turn.
func (s *TurnSession) SetThinkingBudget(tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.ThinkingBudget = tokens
}
