package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/agent/anthropic"
	"github.com/HyphaGroup/conduit/internal/agent/echo"
	"github.com/HyphaGroup/conduit/internal/agent/openai"
	"github.com/HyphaGroup/conduit/internal/channel"
	"github.com/HyphaGroup/conduit/internal/config"
	"github.com/HyphaGroup/conduit/internal/journal"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/metrics"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("conduitd %s\n", Version)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServer(os.Args[1:])
}

func printUsage() {
	fmt.Print(`conduitd - agent channel orchestrator

Usage:
  conduitd [flags]          Start the daemon
  conduitd init [flags]     Write a default config file
  conduitd version          Show version

Flags:
  --config <path>           Config file, or a directory containing conduit.jsonc
  --socket <path>           Override socket.path
  --engine <type>           Override engine.type (anthropic, openai, echo, auto)

Environment:
  CONDUIT_HOME              Home directory (default ~/.conduit)
  ANTHROPIC_API_KEY         Anthropic key, overrides the config file
  OPENAI_API_KEY            OpenAI key, overrides the config file
`)
}

// daemon holds the state shared by every client connection.
type daemon struct {
	journal channel.Journal

	// cfg and engine are swapped on SIGHUP when credentials change.
	cfg    atomic.Pointer[config.Config]
	engine atomic.Pointer[engineHolder]

	mu            sync.Mutex
	orchestrators map[*channel.Orchestrator]struct{}
}

type engineHolder struct{ agent.Engine }

func newDaemon(cfg *config.Config, engine agent.Engine) *daemon {
	d := &daemon{orchestrators: make(map[*channel.Orchestrator]struct{})}
	d.cfg.Store(cfg)
	d.engine.Store(&engineHolder{engine})
	return d
}

func (d *daemon) currentConfig() *config.Config { return d.cfg.Load() }

func (d *daemon) currentEngine() agent.Engine { return d.engine.Load().Engine }

func runServer(args []string) {
	fs := flag.NewFlagSet("conduitd", flag.ExitOnError)
	configPath := fs.String("config", "", "config file or directory")
	socketPath := fs.String("socket", "", "override socket.path")
	engineType := fs.String("engine", "", "override engine.type")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.Socket.Path = *socketPath
	}
	if *engineType != "" {
		cfg.Engine.Type = *engineType
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --engine: %v\n", err)
			os.Exit(1)
		}
	}

	if err := logger.InitSlog(logger.SlogOptions{Dir: cfg.Log.Dir, JSON: cfg.Log.JSON, Level: cfg.Log.Level}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Println("🔌 Conduit starting...")
	if cfg.Path != "" {
		logger.Println("📁 Config:", cfg.Path)
	} else {
		logger.Println("📁 Config: defaults (no conduit.jsonc found)")
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		logger.Fatalf("Failed to create engine: %v", err)
	}
	d := newDaemon(cfg, engine)
	logger.Println("🤖 Engine:", engine.Name())

	var pruner *journal.Pruner
	if cfg.Journal.Enabled {
		store, err := journal.NewStore(cfg.Journal.Dir)
		if err != nil {
			logger.Fatalf("Failed to open journal: %v", err)
		}
		defer func() { _ = store.Close() }()
		d.journal = store

		pruner, err = journal.NewPruner(store, cfg.Journal.PruneSchedule, cfg.Journal.Retention.Std())
		if err != nil {
			logger.Fatalf("Failed to create journal pruner: %v", err)
		}
		pruner.Start()
		logger.Println("📓 Journal:", cfg.Journal.Dir)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metrics.Middleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Println("📊 Metrics on", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
	}

	codec, err := protocol.CodecByName(cfg.Socket.Codec)
	if err != nil {
		logger.Fatalf("Invalid codec: %v", err)
	}
	ln, err := transport.Listen(cfg.Socket.Path)
	if err != nil {
		logger.Fatalf("Failed to listen: %v", err)
	}
	logger.Println("🧦 Listening on", cfg.Socket.Path, "codec="+codec.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		opts := []transport.Option{transport.WithCodec(codec)}
		if cfg.Socket.RateLimit > 0 {
			opts = append(opts, transport.WithRateLimit(cfg.Socket.RateLimit, cfg.Socket.RateBurst))
		}
		serveErr <- transport.Serve(ctx, ln, d.serveConn, opts...)
	}()

	logger.Println("✅ Conduit ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				d.reload(ctx, *configPath)
				continue
			}
			logger.Println("🛑 Shutting down...")
			break wait
		case err := <-serveErr:
			if err != nil {
				logger.Error("Socket server failed: %v", err)
			}
			break wait
		}
	}

	// Cancelling ctx closes the listener; each connection shuts its
	// orchestrator down and Serve waits for all of them.
	cancel()
	select {
	case <-serveErr:
	case <-time.After(30 * time.Second):
		logger.Error("Timed out waiting for connections to close")
	}

	if pruner != nil {
		pruner.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		done()
	}
	_ = os.Remove(cfg.Socket.Path)

	logger.Println("👋 Conduit stopped")
}

// serveConn runs one orchestrator for the lifetime of a client connection.
func (d *daemon) serveConn(ctx context.Context, conn *transport.Conn) {
	cfg := d.currentConfig()
	o := channel.New(channel.Options{
		EngineSource:  d.currentEngine,
		Peer:          conn,
		Journal:       d.journal,
		Timeouts:      cfg.ProtocolTimeouts(),
		IdleTimeout:   cfg.Channels.IdleTimeout.Std(),
		ServerVersion: Version,
	})

	d.mu.Lock()
	d.orchestrators[o] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.orchestrators, o)
		d.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := o.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Orchestrator stopped: %v", err)
		}
	}()

	for {
		m, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Info("Client disconnected: %v", err)
			}
			break
		}
		if !o.Submit(m) {
			break
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	o.Shutdown(shutdownCtx)
	done()
	<-runDone
}

// reload re-reads the config file. When provider credentials changed, a
// new engine is built and every live channel is closed so the next launch
// on any connection uses it. Socket and logging settings keep their
// startup values.
func (d *daemon) reload(ctx context.Context, configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Reload failed, keeping current config: %v", err)
		return
	}
	cur := d.currentConfig()
	if reflect.DeepEqual(cfg.Credentials, cur.Credentials) && cfg.Engine == cur.Engine {
		logger.Info("Config reloaded; credentials unchanged")
		return
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		logger.Error("Reload failed to build engine, keeping current one: %v", err)
		return
	}
	next := *cur
	next.Credentials = cfg.Credentials
	next.Engine = cfg.Engine
	next.Models = cfg.Models
	d.cfg.Store(&next)
	d.engine.Store(&engineHolder{engine})

	d.mu.Lock()
	live := make([]*channel.Orchestrator, 0, len(d.orchestrators))
	for o := range d.orchestrators {
		live = append(live, o)
	}
	d.mu.Unlock()
	for _, o := range live {
		o.CloseAllOnCredentialChange(ctx)
	}
	logger.Println("🔑 Credentials reloaded; engine:", engine.Name())
}

// buildEngine creates the engine selected by cfg.
func buildEngine(cfg *config.Config) (agent.Engine, error) {
	engineType, err := cfg.EngineType()
	if err != nil {
		return nil, err
	}

	model := cfg.ResolveModel(cfg.Engine.Model)
	maxTokens := cfg.Engine.MaxTokens
	if def, ok := cfg.GetModel(cfg.Engine.Model); ok && def.MaxTokens > 0 {
		maxTokens = def.MaxTokens
	}

	switch engineType {
	case agent.EngineTypeAnthropic:
		cred, _ := cfg.Credentials.Credential("anthropic")
		engine, err := anthropic.NewFromAPIKey(anthropic.Options{
			APIKey:         cred.APIKey,
			BaseURL:        cred.BaseURL,
			DefaultModel:   model,
			MaxTokens:      maxTokens,
			SystemPrompt:   cfg.Engine.SystemPrompt,
			TranscriptTTL:  cfg.Engine.TranscriptTTL.Std(),
			MaxTranscripts: cfg.Engine.MaxTranscripts,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	case agent.EngineTypeOpenAI:
		cred, _ := cfg.Credentials.Credential("openai")
		engine, err := openai.NewFromAPIKey(openai.Options{
			APIKey:         cred.APIKey,
			BaseURL:        cred.BaseURL,
			DefaultModel:   model,
			MaxTokens:      maxTokens,
			SystemPrompt:   cfg.Engine.SystemPrompt,
			TranscriptTTL:  cfg.Engine.TranscriptTTL.Std(),
			MaxTranscripts: cfg.Engine.MaxTranscripts,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	case agent.EngineTypeEcho:
		return echo.New(echo.Options{
			ChunkDelay:     cfg.Engine.EchoChunkDelay.Std(),
			TranscriptTTL:  cfg.Engine.TranscriptTTL.Std(),
			MaxTranscripts: cfg.Engine.MaxTranscripts,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported engine type %q", engineType)
	}
}

const defaultConfig = `{
  // Conduit configuration. Every field is optional.

  "socket": {
    "codec": "json",      // json or cbor
    "rate_limit": 0       // inbound messages per second per connection, 0 = unlimited
  },

  "log": {
    "level": "info",
    "json": false
  },

  "metrics": {
    "address": "127.0.0.1:9464"
  },

  "engine": {
    "type": "auto",       // anthropic, openai, echo or auto
    "model": "sonnet",
    "max_tokens": 8192
  },

  "credentials": {
    "providers": {
      "anthropic": {"provider": "anthropic", "api_key": "", "description": "Anthropic API key"},
      "openai": {"provider": "openai", "api_key": "", "description": "OpenAI API key"}
    },
    "default": "anthropic"
  },

  "models": {
    "sonnet": {"model": "claude-sonnet-4-5", "display_name": "Sonnet 4.5", "provider": "anthropic"},
    "opus": {"model": "claude-opus-4-1", "display_name": "Opus 4.1", "provider": "anthropic", "thinking_budget": 4096},
    "mini": {"model": "gpt-4o-mini", "display_name": "GPT-4o mini", "provider": "openai"}
  },

  "timeouts": {
    "permission": "30m"
  },

  "channels": {
    "idle_timeout": "0s"  // 0 keeps idle channels open
  },

  "journal": {
    "enabled": true,
    "retention": "720h",
    "prune_schedule": "0 * * * *"
  }
}
`

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", config.Home(), "directory to initialize")
	force := fs.BoolP("force", "f", false, "overwrite an existing config")
	_ = fs.Parse(args)

	configPath := filepath.Join(*dir, "conduit.jsonc")
	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Printf("⚠️  %s already exists.\n", configPath)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("🔌 Initializing Conduit")
	fmt.Println("")

	for _, d := range []string{*dir, filepath.Join(*dir, "logs"), filepath.Join(*dir, "journal")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", d, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", d)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating conduit.jsonc: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configPath)

	if _, err := config.LoadFile(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Generated config does not load: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("")
	fmt.Println("✅ Conduit initialized!")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("   1. Edit %s with your API keys\n", configPath)
	fmt.Println("   2. Run 'conduitd' to start the daemon")
	fmt.Println("   3. Run 'conduit chat' to talk to an agent")
}
