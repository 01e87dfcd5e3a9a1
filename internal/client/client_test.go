package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/agent/echo"
	"github.com/HyphaGroup/conduit/internal/channel"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/router"
	"github.com/HyphaGroup/conduit/internal/transport"
)

const wait = 2 * time.Second

// startDaemon serves an orchestrator with the echo engine over a pipe and
// returns the client end.
func startDaemon(t *testing.T) *transport.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	server := transport.New(serverSide)
	o := channel.New(channel.Options{
		Engine:        echo.New(echo.Options{}),
		Peer:          server,
		ServerVersion: "test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	go func() {
		for {
			m, err := server.Receive(ctx)
			if err != nil {
				return
			}
			o.Submit(m)
		}
	}()
	t.Cleanup(func() {
		_ = server.Close()
		o.Shutdown(context.Background())
		cancel()
	})
	return transport.New(clientSide)
}

func startClient(t *testing.T, conn Conn) *Client {
	t.Helper()
	c := New(conn, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
	})
	return c
}

func finishes(ch *Channel) chan *router.Message {
	out := make(chan *router.Message, 8)
	ch.Router.OnFinish(func(m *router.Message, _ router.Reason) {
		if m.ParentID() == "" {
			out <- m
		}
	})
	return out
}

func awaitMessage(t *testing.T, c chan *router.Message) *router.Message {
	t.Helper()
	select {
	case m := <-c:
		return m
	case <-time.After(wait):
		t.Fatal("no message finished in time")
		return nil
	}
}

func TestClient_EchoRoundTrip(t *testing.T) {
	c := startClient(t, startDaemon(t))
	ctx := context.Background()

	info, err := c.Initialize(ctx, "test-client", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "echo", info.Engine)
	assert.Equal(t, "test", info.ServerVersion)

	ch, err := c.Launch(ctx, LaunchOptions{ChannelID: "c1", Cwd: "/tmp"})
	require.NoError(t, err)
	done := finishes(ch)

	require.NoError(t, c.Send(ctx, "c1", "hello world"))
	msg := awaitMessage(t, done)
	assert.Equal(t, "hello world", msg.Text())
	assert.False(t, msg.Streaming())
	assert.False(t, msg.Interrupted())
	assert.Equal(t, "end_turn", msg.StopReason())

	channels, err := c.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "c1", channels[0].ID)

	require.NoError(t, c.EndInput(ctx, "c1"))
	select {
	case <-ch.Done():
		assert.NoError(t, ch.Err())
	case <-time.After(wait):
		t.Fatal("channel did not end after input finished")
	}

	it, err := ch.Events().Iter()
	require.NoError(t, err)
	first, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, agent.EventStreamStart, first.Type)
}

func TestClient_AnswersToolPermission(t *testing.T) {
	c := startClient(t, startDaemon(t))
	ctx := context.Background()

	var asked protocol.ToolPermissionParams
	c.Handle(protocol.KindToolPermission, func(ctx context.Context, channelID string, params json.RawMessage) (any, error) {
		assert.Equal(t, "c1", channelID)
		if err := json.Unmarshal(params, &asked); err != nil {
			return nil, err
		}
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorAllow}, nil
	})

	ch, err := c.Launch(ctx, LaunchOptions{ChannelID: "c1", Cwd: "/tmp"})
	require.NoError(t, err)
	done := finishes(ch)

	require.NoError(t, c.Send(ctx, "c1", `/tool bash {"cmd":"ls"}`))
	msg := awaitMessage(t, done)
	assert.Equal(t, "Tool bash allowed.", msg.Text())
	assert.Equal(t, "bash", asked.ToolName)

	var tool *router.ContentBlock
	for _, b := range msg.Blocks() {
		if b.Kind() == agent.BlockToolUse {
			tool = b
		}
	}
	require.NotNil(t, tool)
	assert.JSONEq(t, `{"cmd":"ls"}`, tool.Text())
}

func TestClient_LaunchFailureEndsChannel(t *testing.T) {
	c := startClient(t, startDaemon(t))

	ch, err := c.Launch(context.Background(), LaunchOptions{ChannelID: "c1", Cwd: "relative/dir"})
	require.NoError(t, err)

	select {
	case <-ch.Done():
		require.Error(t, ch.Err())
		assert.Contains(t, ch.Err().Error(), "invalid launch")
	case <-time.After(wait):
		t.Fatal("launch failure was not reported")
	}
	_, ok := c.Channel("c1")
	assert.False(t, ok)
}

func TestClient_InterruptEndsTurn(t *testing.T) {
	c := startClient(t, startDaemon(t))
	ctx := context.Background()

	// a tool prompt nobody answers keeps the turn open
	block := make(chan struct{})
	defer close(block)
	c.Handle(protocol.KindToolPermission, func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, errors.New("unanswered")
	})

	ch, err := c.Launch(ctx, LaunchOptions{ChannelID: "c1", Cwd: "/tmp"})
	require.NoError(t, err)
	done := finishes(ch)

	require.NoError(t, c.Send(ctx, "c1", "/tool bash"))
	require.Eventually(t, func() bool { return len(ch.Router.Active()) == 1 }, wait, time.Millisecond)

	require.NoError(t, c.Interrupt(ctx, "c1"))
	msg := awaitMessage(t, done)
	assert.Equal(t, agent.StopReasonInterrupted, msg.StopReason())
	assert.True(t, msg.Interrupted())
}

// fakeConn is a scripted transport.
type fakeConn struct {
	in   chan protocol.Message
	fail chan error

	mu    sync.Mutex
	sent  []protocol.Message
	sentc chan protocol.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:    make(chan protocol.Message, 16),
		fail:  make(chan error, 1),
		sentc: make(chan protocol.Message, 16),
	}
}

func (f *fakeConn) Send(m protocol.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	f.sentc <- m
	return nil
}

func (f *fakeConn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-f.in:
		return m, nil
	case err := <-f.fail:
		return protocol.Message{}, err
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-f.sentc:
		return m
	case <-time.After(wait):
		t.Fatal("nothing sent")
		return protocol.Message{}
	}
}

func TestClient_RelaunchSurvivesLateClose(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, Options{})
	ctx := context.Background()

	first, err := c.Launch(ctx, LaunchOptions{ChannelID: "c1", Cwd: "/w"})
	require.NoError(t, err)
	second, err := c.Launch(ctx, LaunchOptions{ChannelID: "c1", Cwd: "/w"})
	require.NoError(t, err)
	assert.Greater(t, second.Generation, first.Generation)

	select {
	case <-first.Done():
	default:
		t.Fatal("superseded channel was not ended")
	}

	// a delayed teardown of the first generation
	c.closeChannel(first, errors.New("late"))

	live, ok := c.Channel("c1")
	require.True(t, ok)
	assert.Same(t, second, live)
	_, gen, ok := c.registry.Get("c1")
	require.True(t, ok)
	assert.Equal(t, second.Generation, gen)

	require.NoError(t, c.Close(ctx, "c1"))
	<-second.Done()
	_, ok = c.Channel("c1")
	assert.False(t, ok)
	assert.ErrorIs(t, c.Close(ctx, "c1"), ErrUnknownChannel)
}

func TestClient_LateWireCloseKeepsRelaunch(t *testing.T) {
	tests := []struct {
		name  string
		stale func(first *Channel) protocol.Message
	}{
		{
			name: "close for the earlier launch",
			stale: func(first *Channel) protocol.Message {
				m := protocol.NewClose("c1", errors.New("stale"))
				m.LaunchID = first.LaunchID
				return m
			},
		},
		{
			name: "close without a launch id",
			stale: func(*Channel) protocol.Message {
				return protocol.NewClose("c1", errors.New("stale"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			c := startClient(t, conn)
			ctx := context.Background()

			first, err := c.Launch(ctx, LaunchOptions{ChannelID: "c1", Cwd: "/w"})
			require.NoError(t, err)
			assert.Equal(t, first.LaunchID, conn.next(t).LaunchID)

			require.NoError(t, c.Close(ctx, "c1"))
			closeMsg := conn.next(t)
			assert.Equal(t, protocol.TypeCloseChannel, closeMsg.Type)
			assert.Equal(t, first.LaunchID, closeMsg.LaunchID)

			second, err := c.Launch(ctx, LaunchOptions{ChannelID: "c1", Cwd: "/w"})
			require.NoError(t, err)
			relaunch := conn.next(t)
			assert.Equal(t, second.LaunchID, relaunch.LaunchID)
			assert.NotEqual(t, first.LaunchID, second.LaunchID)

			conn.in <- tt.stale(first)
			final := protocol.NewClose("c1", errors.New("engine failed"))
			final.LaunchID = second.LaunchID
			conn.in <- final

			select {
			case <-second.Done():
				assert.EqualError(t, second.Err(), "engine failed")
			case <-time.After(wait):
				t.Fatal("close for the live launch not applied")
			}
			_, ok := c.Channel("c1")
			assert.False(t, ok)
		})
	}
}

func TestClient_CloseFromOrchestrator(t *testing.T) {
	conn := newFakeConn()
	c := startClient(t, conn)

	ch, err := c.Launch(context.Background(), LaunchOptions{ChannelID: "c1", Cwd: "/w"})
	require.NoError(t, err)
	launch := conn.next(t)
	assert.Equal(t, protocol.TypeLaunchChannel, launch.Type)

	ev, err := protocol.NewIO("c1", agent.Event{Type: agent.EventStreamStart, MessageID: "m1"}, false)
	require.NoError(t, err)
	conn.in <- ev
	conn.in <- protocol.NewClose("c1", errors.New("engine failed"))

	select {
	case <-ch.Done():
		assert.EqualError(t, ch.Err(), "engine failed")
	case <-time.After(wait):
		t.Fatal("close_channel not applied")
	}

	it, err := ch.Events().Iter()
	require.NoError(t, err)
	// an error termination discards undelivered events
	_, err = it.Next(context.Background())
	assert.EqualError(t, err, "engine failed")
}

func TestClient_DisconnectRejectsPending(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, Options{})
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(context.Background()) }()

	ch, err := c.Launch(context.Background(), LaunchOptions{ChannelID: "c1", Cwd: "/w"})
	require.NoError(t, err)
	conn.next(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "", protocol.KindListChannels, nil)
		errc <- err
	}()
	conn.next(t)

	conn.fail <- io.EOF
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(wait):
		t.Fatal("pending request not rejected")
	}
	require.NoError(t, <-runDone)

	<-ch.Done()
	assert.ErrorContains(t, ch.Err(), ErrDisconnected.Error())
	assert.Zero(t, c.registry.Len())
}

func TestClient_UnhandledRequestGetsError(t *testing.T) {
	conn := newFakeConn()
	startClient(t, conn)

	req, err := protocol.NewRequest("r1", "c1", protocol.KindOpenFile, protocol.OpenFileParams{Path: "a.go"})
	require.NoError(t, err)
	conn.in <- req

	reply := conn.next(t)
	assert.Equal(t, protocol.TypeResponse, reply.Type)
	assert.Equal(t, "r1", reply.RequestID)
	assert.Contains(t, reply.Response.Error, "no handler for open_file")
}
