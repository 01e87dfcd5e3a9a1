package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/HyphaGroup/conduit/internal/client"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/router"
)

// channelFlags configure the launched channel.
type channelFlags struct {
	id             string
	cwd            string
	model          string
	permissionMode string
	thinking       int
	resume         string
	allowTools     bool
}

func (f *channelFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.id, "id", "", "channel id")
	fs.StringVar(&f.cwd, "cwd", "", "agent working directory")
	fs.StringVarP(&f.model, "model", "m", "", "model or shorthand")
	fs.StringVar(&f.permissionMode, "permission-mode", "", "permission mode")
	fs.IntVar(&f.thinking, "thinking", 0, "thinking budget in tokens")
	fs.StringVar(&f.resume, "resume", "", "resume token")
	fs.BoolVarP(&f.allowTools, "allow-tools", "y", false, "approve every tool request")
}

func (f *channelFlags) launchOptions(s *session) (client.LaunchOptions, error) {
	cwd := f.cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return client.LaunchOptions{}, err
		}
		cwd = wd
	}
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return client.LaunchOptions{}, err
	}

	thinking := f.thinking
	if def, ok := s.cfg.GetModel(f.model); ok && thinking == 0 {
		thinking = def.ThinkingBudget
	}
	return client.LaunchOptions{
		ChannelID:      f.id,
		Resume:         f.resume,
		Cwd:            filepath.Clean(cwd),
		Model:          s.cfg.ResolveModel(f.model),
		PermissionMode: f.permissionMode,
		ThinkingBudget: thinking,
	}, nil
}

// conversation is one launched channel rendered to a terminal.
type conversation struct {
	s     *session
	ch    *client.Channel
	term  *terminal
	turns chan router.Reason
}

func startConversation(ctx context.Context, s *session, term *terminal, opts client.LaunchOptions) (*conversation, error) {
	cwd := opts.Cwd
	s.client.Handle(protocol.KindToolPermission, term.toolPermission)
	s.client.Handle(protocol.KindOpenFile, term.openFile(cwd))
	s.client.Handle(protocol.KindOpenDiff, term.openDiff(cwd))

	ch, err := s.client.Launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	c := &conversation{s: s, ch: ch, term: term, turns: make(chan router.Reason, 4)}
	ch.Router.OnFinish(func(m *router.Message, reason router.Reason) {
		if m.ParentID() != "" {
			term.subAgentDone(m, reason)
			return
		}
		if e := m.Err(); e != "" {
			term.errorf("%s\n", e)
		}
		select {
		case c.turns <- reason:
		default:
		}
	})

	r := newRenderer(term)
	go r.run(ctx, ch)

	// launch failures surface as a failed get_channel
	if _, err := s.client.Request(ctx, ch.ID, protocol.KindGetChannel, protocol.ChannelParams{ChannelID: ch.ID}); err != nil {
		select {
		case <-ch.Done():
			if cause := ch.Err(); cause != nil {
				return nil, cause
			}
		case <-time.After(100 * time.Millisecond):
		}
		return nil, err
	}
	return c, nil
}

// waitTurn blocks until the current turn finishes. The first interrupt
// signal interrupts the turn; a second one gives up waiting.
func (c *conversation) waitTurn(ctx context.Context, sigs <-chan os.Signal) error {
	interrupted := false
	for {
		select {
		case <-c.turns:
			return nil
		case <-c.ch.Done():
			if err := c.ch.Err(); err != nil {
				return fmt.Errorf("channel ended: %w", err)
			}
			return errChannelEnded
		case <-sigs:
			if interrupted {
				return context.Canceled
			}
			interrupted = true
			c.term.notef("interrupting...\n")
			if err := c.s.client.Interrupt(ctx, c.ch.ID); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish ends input and waits for the engine to wind the channel down.
func (c *conversation) finish(ctx context.Context) {
	if token := c.resumeToken(ctx); token != "" {
		c.term.notef("resume with --resume %s\n", token)
	}
	_ = c.s.client.EndInput(ctx, c.ch.ID)
	select {
	case <-c.ch.Done():
	case <-time.After(5 * time.Second):
		_ = c.s.client.Close(ctx, c.ch.ID)
	}
}

func (c *conversation) resumeToken(ctx context.Context) string {
	info, err := c.info(ctx)
	if err != nil {
		return ""
	}
	return info.ResumeToken
}

func (c *conversation) info(ctx context.Context) (protocol.ChannelInfo, error) {
	var info protocol.ChannelInfo
	raw, err := c.s.client.Request(ctx, c.ch.ID, protocol.KindGetChannel, protocol.ChannelParams{ChannelID: c.ch.ID})
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(raw, &info)
	return info, err
}

var errChannelEnded = errors.New("channel ended")

func cmdChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	var common commonFlags
	var chf channelFlags
	common.register(fs)
	chf.register(fs)
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	opts, err := chf.launchOptions(s)
	if err != nil {
		return err
	}
	term := newTerminal(os.Stdin, os.Stdout, chf.allowTools)
	c, err := startConversation(ctx, s, term, opts)
	if err != nil {
		return err
	}
	term.notef("connected to conduitd %s (engine %s), channel %s\n", s.info.ServerVersion, s.info.Engine, c.ch.ID)
	term.notef("type :help for commands, Ctrl-D to finish\n")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	for {
		term.prompt()
		line, err := term.readLine(ctx, sigs)
		if err != nil {
			c.finish(ctx)
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ":") {
			quit, err := c.command(ctx, line)
			if err != nil {
				term.errorf("%v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := s.client.Send(ctx, c.ch.ID, line); err != nil {
			return err
		}
		if err := c.waitTurn(ctx, sigs); err != nil {
			if errors.Is(err, context.Canceled) {
				c.finish(ctx)
				return nil
			}
			return err
		}
	}
}

// command runs a ":" line. It reports whether the chat should end.
func (c *conversation) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)
	id := c.ch.ID

	switch name {
	case "quit", "q", "exit":
		_ = c.s.client.Close(ctx, id)
		return true, nil
	case "model":
		model := c.s.cfg.ResolveModel(arg)
		_, err := c.s.client.Request(ctx, id, protocol.KindSetModel, protocol.SetModelParams{ChannelID: id, Model: model})
		if err == nil {
			c.term.notef("model set to %s\n", model)
		}
		return false, err
	case "mode":
		_, err := c.s.client.Request(ctx, id, protocol.KindSetPermissionMode, protocol.SetPermissionModeParams{ChannelID: id, PermissionMode: arg})
		if err == nil {
			c.term.notef("permission mode set to %s\n", arg)
		}
		return false, err
	case "thinking":
		tokens, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("thinking budget must be a number: %s", arg)
		}
		_, err = c.s.client.Request(ctx, id, protocol.KindSetThinkingBudget, protocol.SetThinkingBudgetParams{ChannelID: id, ThinkingBudget: tokens})
		if err == nil {
			c.term.notef("thinking budget set to %d\n", tokens)
		}
		return false, err
	case "info":
		info, err := c.info(ctx)
		if err != nil {
			return false, err
		}
		c.term.printJSON(info)
		return false, nil
	case "help":
		c.term.notef(":model <name>  :mode <permission-mode>  :thinking <tokens>  :info  :quit\n")
		return false, nil
	default:
		return false, fmt.Errorf("unknown command :%s", name)
	}
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var common commonFlags
	var chf channelFlags
	common.register(fs)
	chf.register(fs)
	_ = fs.Parse(args)

	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return errors.New("send needs the text of the turn")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	opts, err := chf.launchOptions(s)
	if err != nil {
		return err
	}
	term := newTerminal(os.Stdin, os.Stdout, chf.allowTools)
	c, err := startConversation(ctx, s, term, opts)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	if err := s.client.Send(ctx, c.ch.ID, text); err != nil {
		return err
	}
	err = c.waitTurn(ctx, sigs)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	c.finish(ctx)
	return nil
}
