// Package testutil provides test doubles shared by the conduit packages.
package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/queue"
	"github.com/HyphaGroup/conduit/internal/stream"
)

// MockEngine is a test double for agent.Engine.
// It records calls and hands out scriptable sessions.
type MockEngine struct {
	mu sync.Mutex

	// Configurable responses
	EngineName string
	StartError error

	// StartGate, when set, blocks Start until it is closed.
	StartGate chan struct{}

	// Call tracking
	StartCalls []agent.StartOptions
	Sessions   []*MockSession

	started chan struct{}
}

// NewMockEngine creates a mock engine named "mock".
func NewMockEngine(t *testing.T) *MockEngine {
	t.Helper()
	return &MockEngine{
		EngineName: "mock",
		started:    make(chan struct{}, 64),
	}
}

// Name implements agent.Engine.
func (m *MockEngine) Name() string { return m.EngineName }

// Start implements agent.Engine.
func (m *MockEngine) Start(ctx context.Context, opts agent.StartOptions) (agent.Session, error) {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, opts)
	gate := m.StartGate
	startErr := m.StartError
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if startErr != nil {
		return nil, startErr
	}

	s := NewMockSession(opts)
	m.mu.Lock()
	m.Sessions = append(m.Sessions, s)
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}
	return s, nil
}

// Session returns the i-th started session.
func (m *MockEngine) Session(i int) *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.Sessions) {
		return nil
	}
	return m.Sessions[i]
}

// StartCount returns the number of Start calls.
func (m *MockEngine) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.StartCalls)
}

// WaitStarted waits for the next successful Start.
func (m *MockEngine) WaitStarted(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-m.started:
	case <-time.After(timeout):
		t.Fatalf("no session started within %v", timeout)
	}
}

// MockSession is a scriptable agent.Session. Events pushed with Emit are
// returned by Next in order; End finishes the session.
type MockSession struct {
	Options agent.StartOptions
	Token   string

	// Configurable responses
	InterruptError error
	CloseError     error

	events *queue.Queue[agent.Event]

	mu             sync.Mutex
	endErr         error
	interruptCalls int
	closeCalls     int
	settings       agent.Settings
	turns          *stream.Iterator[agent.UserTurn]
	closed         chan struct{}
}

// NewMockSession creates a session for opts. The resume token is opts.Resume
// or a fresh uuid.
func NewMockSession(opts agent.StartOptions) *MockSession {
	token := opts.Resume
	if token == "" {
		token = uuid.New().String()
	}
	return &MockSession{
		Options:  opts,
		Token:    token,
		events:   queue.New[agent.Event](),
		settings: opts.Settings,
		closed:   make(chan struct{}),
	}
}

// Emit queues events for Next.
func (s *MockSession) Emit(events ...agent.Event) {
	for _, ev := range events {
		s.events.Enqueue(ev)
	}
}

// End finishes the session once queued events drain. A nil err is a
// normal end.
func (s *MockSession) End(err error) {
	s.mu.Lock()
	s.endErr = err
	s.mu.Unlock()
	s.events.Close()
}

// Next implements agent.Session.
func (s *MockSession) Next(ctx context.Context) (agent.Event, error) {
	ev, err := s.events.Dequeue(ctx)
	if errors.Is(err, queue.ErrClosed) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.endErr != nil {
			return agent.Event{}, s.endErr
		}
		return agent.Event{}, io.EOF
	}
	return ev, err
}

// Interrupt implements agent.Session.
func (s *MockSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptCalls++
	return s.InterruptError
}

// Close implements agent.Session.
func (s *MockSession) Close() error {
	s.mu.Lock()
	s.closeCalls++
	if s.closeCalls == 1 {
		close(s.closed)
	}
	s.mu.Unlock()
	s.events.Close()
	return s.CloseError
}

// ResumeToken implements agent.Session.
func (s *MockSession) ResumeToken() string { return s.Token }

func (s *MockSession) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Model = model
}

func (s *MockSession) SetPermissionMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.PermissionMode = mode
}

func (s *MockSession) SetThinkingBudget(tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.ThinkingBudget = tokens
}

// Settings returns the current settings.
func (s *MockSession) Settings() agent.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// InterruptCalls returns how many times Interrupt was called.
func (s *MockSession) InterruptCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptCalls
}

// CloseCalls returns how many times Close was called.
func (s *MockSession) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed is closed on the first Close.
func (s *MockSession) Closed() <-chan struct{} { return s.closed }

// NextTurn reads the next user turn from the session's input stream.
// It returns io.EOF once the input is finished.
func (s *MockSession) NextTurn(ctx context.Context) (agent.UserTurn, error) {
	s.mu.Lock()
	if s.turns == nil {
		it, err := s.Options.Input.Iter()
		if err != nil {
			s.mu.Unlock()
			return agent.UserTurn{}, err
		}
		s.turns = it
	}
	it := s.turns
	s.mu.Unlock()
	return it.Next(ctx)
}
