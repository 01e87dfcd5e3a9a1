package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/conduit/internal/agent/echo"
	"github.com/HyphaGroup/conduit/internal/audit"
	"github.com/HyphaGroup/conduit/internal/auth"
	"github.com/HyphaGroup/conduit/internal/channel"
	"github.com/HyphaGroup/conduit/internal/client"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/transport"
)

// newBridge wires a bridge to an echo daemon over an in-memory pipe.
func newBridge(t *testing.T) *Bridge {
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

	conn := transport.New(clientSide)
	c := client.New(conn, client.Options{})
	go func() { _ = c.Run(ctx) }()

	t.Cleanup(func() {
		_ = server.Close()
		o.Shutdown(context.Background())
		cancel()
		_ = conn.Close()
	})
	return NewBridge(c, BridgeOptions{Cwd: "/tmp", ReplyTimeout: 2 * time.Second, Audit: audit.New(io.Discard, false)})
}

func call(t *testing.T, b *Bridge, tool string, args any) (string, bool) {
	t.Helper()
	return callAs(t, b, context.Background(), tool, args)
}

func callAs(t *testing.T, b *Bridge, ctx context.Context, tool string, args any) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := b.Registry().CallTool(ctx, tool, raw)
	require.NoError(t, err)
	return resultText(res), res.IsError
}

func TestBridge_Conversation(t *testing.T) {
	b := newBridge(t)

	out, isErr := call(t, b, "channel_launch", LaunchParams{ChannelID: "c1"})
	require.False(t, isErr, out)
	var info protocol.ChannelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "c1", info.ID)
	assert.Equal(t, "/tmp", info.Cwd)

	out, isErr = call(t, b, "channel_send", SendParams{ChannelID: "c1", Text: "hello there"})
	require.False(t, isErr, out)
	var reply Reply
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, "hello there", reply.Text)
	assert.Equal(t, "end_turn", reply.StopReason)

	out, isErr = call(t, b, "channel_send", SendParams{ChannelID: "c1", Text: "/think twice"})
	require.False(t, isErr, out)
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, "twice", reply.Text)

	out, isErr = call(t, b, "channel_list", struct{}{})
	require.False(t, isErr, out)
	var channels []protocol.ChannelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &channels))
	require.Len(t, channels, 1)

	out, isErr = call(t, b, "channel_set_model", SetModelParams{ChannelID: "c1", Model: "echo-2"})
	require.False(t, isErr, out)

	out, isErr = call(t, b, "channel_close", ChannelParams{ChannelID: "c1"})
	require.False(t, isErr, out)
	assert.Contains(t, out, "Closed channel c1")

	out, isErr = call(t, b, "channel_send", SendParams{ChannelID: "c1", Text: "anyone?"})
	assert.True(t, isErr)
	assert.Contains(t, out, "unknown channel")
}

func TestBridge_TurnFailure(t *testing.T) {
	b := newBridge(t)
	_, isErr := call(t, b, "channel_launch", LaunchParams{ChannelID: "c1"})
	require.False(t, isErr)

	out, isErr := call(t, b, "channel_send", SendParams{ChannelID: "c1", Text: "/fail boom"})
	assert.True(t, isErr)
	assert.Contains(t, out, "boom")
}

func TestBridge_LaunchFailure(t *testing.T) {
	b := newBridge(t)

	out, isErr := call(t, b, "channel_launch", LaunchParams{ChannelID: "c1", Cwd: "relative"})
	assert.True(t, isErr)
	assert.Contains(t, out, "invalid launch")

	out, isErr = call(t, b, "channel_launch", LaunchParams{ChannelID: "c2", PermissionMode: "yolo"})
	assert.True(t, isErr)
	assert.Contains(t, out, "launch of c2 failed")
}

func TestBridge_Tools(t *testing.T) {
	b := newBridge(t)
	var names []string
	for _, def := range b.Registry().GetAllTools() {
		names = append(names, def.Name)
		assert.NotEmpty(t, def.Description)
	}
	assert.Equal(t, []string{
		"channel_launch", "channel_send", "channel_interrupt", "channel_close",
		"channel_list", "channel_set_model", "channel_history",
	}, names)
}

func tokenCtx(scope string) context.Context {
	return auth.WithContext(context.Background(), &auth.AuthContext{Token: &auth.Token{ID: "tok", Scope: scope}})
}

func TestBridge_ChannelScopedToken(t *testing.T) {
	b := newBridge(t)
	ci := tokenCtx(auth.ScopeChannels("ci-"))

	_, isErr := call(t, b, "channel_launch", LaunchParams{ChannelID: "dev-1"})
	require.False(t, isErr)

	out, isErr := callAs(t, b, ci, "channel_launch", LaunchParams{})
	require.False(t, isErr, out)
	var info protocol.ChannelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.True(t, strings.HasPrefix(info.ID, "ci-"), info.ID)

	out, isErr = callAs(t, b, ci, "channel_launch", LaunchParams{ChannelID: "dev-2"})
	assert.True(t, isErr)
	assert.Contains(t, out, "forbidden")

	for _, tool := range []string{"channel_interrupt", "channel_close"} {
		out, isErr = callAs(t, b, ci, tool, ChannelParams{ChannelID: "dev-1"})
		assert.True(t, isErr, tool)
		assert.Contains(t, out, "does not cover channel dev-1")
	}
	out, isErr = callAs(t, b, ci, "channel_send", SendParams{ChannelID: "dev-1", Text: "hi"})
	assert.True(t, isErr)
	assert.Contains(t, out, "forbidden")

	out, isErr = callAs(t, b, ci, "channel_list", struct{}{})
	require.False(t, isErr, out)
	var channels []protocol.ChannelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &channels))
	require.Len(t, channels, 1)
	assert.Equal(t, info.ID, channels[0].ID)

	out, isErr = callAs(t, b, ci, "channel_send", SendParams{ChannelID: info.ID, Text: "scoped"})
	require.False(t, isErr, out)
	assert.Contains(t, out, "scoped")
}

func TestBridge_ReadOnlyToken(t *testing.T) {
	b := newBridge(t)
	ro := tokenCtx(auth.ScopeAdminRO)

	_, isErr := call(t, b, "channel_launch", LaunchParams{ChannelID: "c1"})
	require.False(t, isErr)

	out, isErr := callAs(t, b, ro, "channel_list", struct{}{})
	assert.False(t, isErr, out)

	out, isErr = callAs(t, b, ro, "channel_send", SendParams{ChannelID: "c1", Text: "hi"})
	assert.True(t, isErr)
	assert.Contains(t, out, "writable token")
}
