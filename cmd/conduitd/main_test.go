package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/agent/echo"
	"github.com/HyphaGroup/conduit/internal/client"
	"github.com/HyphaGroup/conduit/internal/config"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/router"
	"github.com/HyphaGroup/conduit/internal/transport"
)

func clearProviderKeys(t *testing.T) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
}

// startDaemon serves cfg on a fresh unix socket. Socket paths are kept short
// to stay under the sun_path limit.
func startDaemon(t *testing.T, cfg *config.Config) *daemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "conduitd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	cfg.Socket.Path = filepath.Join(dir, "s.sock")

	d := newDaemon(cfg, echo.New(echo.Options{}))

	ln, err := transport.Listen(cfg.Socket.Path)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Serve(ctx, ln, d.serveConn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return d
}

type testClient struct {
	c       *client.Client
	replies chan string
}

func dialDaemon(t *testing.T, d *daemon) *testClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := transport.Dial(ctx, d.currentConfig().Socket.Path)
	if err != nil {
		cancel()
		t.Fatalf("Dial() error = %v", err)
	}
	c := client.New(conn, client.Options{Timeouts: protocol.DefaultTimeouts(), Budgets: router.DefaultBudgets()})
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-runDone
	})

	if _, err := c.Initialize(ctx, "test", "1"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return &testClient{c: c, replies: make(chan string, 16)}
}

func (tc *testClient) launch(t *testing.T, id string) *client.Channel {
	t.Helper()
	ch, err := tc.c.Launch(context.Background(), client.LaunchOptions{ChannelID: id, Cwd: "/tmp"})
	if err != nil {
		t.Fatalf("Launch(%s) error = %v", id, err)
	}
	ch.Router.OnFinish(func(m *router.Message, _ router.Reason) {
		if m.ParentID() == "" {
			tc.replies <- ch.ID + ":" + m.Text()
		}
	})
	return ch
}

func TestDaemon_EchoConversation(t *testing.T) {
	clearProviderKeys(t)
	cfg := config.Defaults()
	cfg.Journal.Enabled = false
	d := startDaemon(t, cfg)
	tc := dialDaemon(t, d)

	tc.launch(t, "c1")
	if err := tc.c.Send(context.Background(), "c1", "ping"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-tc.replies:
		if got != "c1:ping" {
			t.Errorf("reply = %q, want c1:ping", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}

	channels, err := tc.c.ListChannels(context.Background())
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "c1" {
		t.Errorf("ListChannels() = %+v", channels)
	}
}

// Each connection gets its own orchestrator, so channel ids do not collide
// across clients.
func TestDaemon_ConnectionsAreIsolated(t *testing.T) {
	clearProviderKeys(t)
	cfg := config.Defaults()
	cfg.Journal.Enabled = false
	d := startDaemon(t, cfg)

	a := dialDaemon(t, d)
	b := dialDaemon(t, d)
	a.launch(t, "shared")
	b.launch(t, "shared")

	for _, tc := range []*testClient{a, b} {
		channels, err := tc.c.ListChannels(context.Background())
		if err != nil {
			t.Fatalf("ListChannels() error = %v", err)
		}
		if len(channels) != 1 {
			t.Errorf("ListChannels() = %d channels, want 1", len(channels))
		}
	}

	d.mu.Lock()
	n := len(d.orchestrators)
	d.mu.Unlock()
	if n != 2 {
		t.Errorf("live orchestrators = %d, want 2", n)
	}
}

func TestDaemon_ConcurrentClients(t *testing.T) {
	clearProviderKeys(t)
	cfg := config.Defaults()
	cfg.Journal.Enabled = false
	d := startDaemon(t, cfg)

	clients, channelsPer := 6, 4
	if testing.Short() {
		clients, channelsPer = 2, 2
	}

	var ok, failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		tc := dialDaemon(t, d)
		wg.Add(1)
		go func(i int, tc *testClient) {
			defer wg.Done()
			want := make(map[string]bool)
			for j := 0; j < channelsPer; j++ {
				id := fmt.Sprintf("c%d-%d", i, j)
				ch, err := tc.c.Launch(context.Background(), client.LaunchOptions{ChannelID: id, Cwd: "/tmp"})
				if err != nil {
					failed.Add(1)
					continue
				}
				ch.Router.OnFinish(func(m *router.Message, _ router.Reason) {
					if m.ParentID() == "" {
						tc.replies <- ch.ID + ":" + m.Text()
					}
				})
				text := "hello from " + id
				if err := tc.c.Send(context.Background(), id, text); err != nil {
					failed.Add(1)
					continue
				}
				want[id+":"+text] = true
			}

			deadline := time.After(10 * time.Second)
			for len(want) > 0 {
				select {
				case got := <-tc.replies:
					if want[got] {
						delete(want, got)
						ok.Add(1)
					}
				case <-deadline:
					failed.Add(int64(len(want)))
					return
				}
			}
		}(i, tc)
	}
	wg.Wait()

	if got := ok.Load(); got != int64(clients*channelsPer) {
		t.Errorf("successful turns = %d, want %d (failed %d)", got, clients*channelsPer, failed.Load())
	}
}

func TestDaemon_ReloadClosesChannelsOnCredentialChange(t *testing.T) {
	clearProviderKeys(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.jsonc")
	write := func(engine, key string) {
		t.Helper()
		content := fmt.Sprintf(`{
			"engine": {"type": %q},
			"journal": {"enabled": false},
			"credentials": {"providers": {"main": {"provider": "anthropic", "api_key": %q}}}
		}`, engine, key)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("echo", "sk-one")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d := startDaemon(t, cfg)
	tc := dialDaemon(t, d)
	ch := tc.launch(t, "c1")
	if _, err := tc.c.ListChannels(context.Background()); err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}

	// unchanged credentials keep the channel
	d.reload(context.Background(), path)
	select {
	case <-ch.Done():
		t.Fatal("channel closed by a no-op reload")
	case <-time.After(100 * time.Millisecond):
	}

	write("anthropic", "sk-two")
	d.reload(context.Background(), path)
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after credential change")
	}
	if err := ch.Err(); err == nil || !strings.Contains(err.Error(), "credentials changed") {
		t.Errorf("close error = %v, want credentials changed", err)
	}
	if got := d.currentConfig().Credentials.APIKey("anthropic"); got != "sk-two" {
		t.Errorf("daemon credentials not updated: %q", got)
	}

	// the connection that was open across the reload sees the new engine
	init, err := tc.c.Initialize(context.Background(), "test", "1")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if init.Engine != string(agent.EngineTypeAnthropic) {
		t.Errorf("engine after reload = %s, want anthropic", init.Engine)
	}
	tc.launch(t, "c1")
	channels, err := tc.c.ListChannels(context.Background())
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "c1" {
		t.Errorf("relaunch after reload: ListChannels() = %+v", channels)
	}
}

func TestBuildEngine(t *testing.T) {
	clearProviderKeys(t)

	tests := []struct {
		name    string
		engine  string
		key     string
		want    string
		wantErr bool
	}{
		{"echo", "echo", "", string(agent.EngineTypeEcho), false},
		{"auto without keys", "auto", "", string(agent.EngineTypeEcho), false},
		{"anthropic with key", "anthropic", "sk-test", string(agent.EngineTypeAnthropic), false},
		{"anthropic without key", "anthropic", "", "", true},
		{"openai without key", "openai", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Engine.Type = tt.engine
			if tt.key != "" {
				cfg.Credentials.Providers = map[string]config.ProviderCredential{
					"main": {Provider: "anthropic", APIKey: tt.key},
				}
			}
			engine, err := buildEngine(cfg)
			if tt.wantErr {
				if err == nil {
					t.Errorf("buildEngine() expected error, got %s", engine.Name())
				}
				return
			}
			if err != nil {
				t.Fatalf("buildEngine() error = %v", err)
			}
			if engine.Name() != tt.want {
				t.Errorf("engine = %s, want %s", engine.Name(), tt.want)
			}
		})
	}
}

func TestDefaultConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.jsonc")
	if err := os.WriteFile(path, []byte(defaultConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ResolveModel("sonnet") != "claude-sonnet-4-5" {
		t.Errorf("sonnet shorthand = %q", cfg.ResolveModel("sonnet"))
	}
	if cfg.Timeouts.Permission.Std() != 30*time.Minute {
		t.Errorf("permission timeout = %v", cfg.Timeouts.Permission)
	}
}
