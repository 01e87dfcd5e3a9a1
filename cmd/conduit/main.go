// conduit is the command-line client for a running conduitd.
//
// It launches agent channels and streams their replies to the terminal.
// `conduit mcp` serves the same channels to an MCP host over stdio or
// streamable HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/HyphaGroup/conduit/internal/client"
	"github.com/HyphaGroup/conduit/internal/config"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

const clientName = "conduit-cli"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "chat":
		err = cmdChat(args)
	case "send":
		err = cmdSend(args)
	case "history":
		err = cmdHistory(args)
	case "models":
		err = cmdModels(args)
	case "mcp":
		err = cmdMCP(args)
	case "token":
		err = cmdToken(args)
	case "version", "--version", "-v":
		fmt.Printf("conduit %s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`conduit - talk to agents through conduitd

Usage:
  conduit chat [flags]              Interactive conversation on a new channel
  conduit send [flags] <text>       One turn, printed as it streams
  conduit history <channel-id>      Journal entries for a channel (--resume-token for the latest token)
  conduit models                    Configured model shorthands
  conduit mcp [--http <addr>]       Serve channels as MCP tools
  conduit token <command>           Manage MCP HTTP bearer tokens
  conduit version                   Show version

Common flags:
  --config <path>                   Config file or directory
  --socket <path>                   Daemon socket (default from config)

Channel flags (chat, send):
  --id <channel-id>                 Channel id (generated when omitted)
  --cwd <dir>                       Agent working directory (default: current)
  --model <name>                    Model or shorthand from the config
  --permission-mode <mode>          default, acceptEdits, bypassPermissions, plan
  --thinking <tokens>               Extended thinking budget
  --resume <token>                  Continue an earlier conversation
  --allow-tools                     Approve every tool request without asking
`)
}

// commonFlags are accepted by every subcommand that connects.
type commonFlags struct {
	config string
	socket string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "config file or directory")
	fs.StringVar(&c.socket, "socket", "", "daemon socket path")
}

func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(c.config)
	if err != nil {
		return nil, err
	}
	if c.socket != "" {
		cfg.Socket.Path = c.socket
	}
	return cfg, nil
}

// session is a connected and initialized client.
type session struct {
	cfg    *config.Config
	client *client.Client
	info   protocol.InitializeResult

	conn    *transport.Conn
	runDone chan struct{}
}

// connect dials the daemon, starts the receive loop and performs the
// handshake. Handlers should be registered on the returned client before
// anything is launched.
func connect(ctx context.Context, cfg *config.Config) (*session, error) {
	codec, err := protocol.CodecByName(cfg.Socket.Codec)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := transport.Dial(dialCtx, cfg.Socket.Path, transport.WithCodec(codec))
	if err != nil {
		return nil, fmt.Errorf("%w (is conduitd running?)", err)
	}

	c := client.New(conn, client.Options{
		Timeouts: cfg.ProtocolTimeouts(),
		Budgets:  cfg.RouterBudgets(),
	})
	s := &session{cfg: cfg, client: c, conn: conn, runDone: make(chan struct{})}
	go func() {
		defer close(s.runDone)
		_ = c.Run(ctx)
	}()

	s.info, err = c.Initialize(ctx, clientName, Version)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return s, nil
}

// Close hangs up; the daemon closes every channel of this connection.
func (s *session) Close() {
	_ = s.conn.Close()
	<-s.runDone
}
