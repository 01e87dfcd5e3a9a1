package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/client"
	"github.com/HyphaGroup/conduit/internal/protocol"
	"github.com/HyphaGroup/conduit/internal/router"
	"github.com/HyphaGroup/conduit/internal/validation"
)

// terminal serializes output and shares one stdin reader between the chat
// prompt and permission questions.
type terminal struct {
	out   io.Writer
	lines chan string

	mu         sync.Mutex
	allowTools bool
}

func newTerminal(in io.Reader, out io.Writer, allowTools bool) *terminal {
	t := &terminal{out: out, lines: make(chan string), allowTools: allowTools}
	go t.scan(in)
	return t
}

func (t *terminal) scan(in io.Reader) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		t.lines <- sc.Text()
	}
	close(t.lines)
}

// readLine returns the next input line, io.EOF when input ends, or
// context.Canceled on an interrupt signal.
func (t *terminal) readLine(ctx context.Context, sigs <-chan os.Signal) (string, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-sigs:
		return "", context.Canceled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *terminal) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.out, s)
}

func (t *terminal) prompt() { t.write("\n> ") }

func (t *terminal) notef(format string, args ...any) {
	t.write("· " + fmt.Sprintf(format, args...))
}

func (t *terminal) errorf(format string, args ...any) {
	t.write("❌ " + fmt.Sprintf(format, args...))
}

func (t *terminal) printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.errorf("%v\n", err)
		return
	}
	t.write(string(data) + "\n")
}

func (t *terminal) subAgentDone(m *router.Message, reason router.Reason) {
	text := strings.Join(strings.Fields(m.Text()), " ")
	if len(text) > 120 {
		text = text[:117] + "..."
	}
	t.notef("↳ %s %s: %s\n", m.ParentID(), reason, text)
}

// toolPermission asks on the terminal unless every tool is pre-approved.
// Answering "a" approves the rest of the session.
func (t *terminal) toolPermission(ctx context.Context, channelID string, params json.RawMessage) (any, error) {
	var p protocol.ToolPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid tool_permission params: %w", err)
	}

	t.mu.Lock()
	allowed := t.allowTools
	t.mu.Unlock()
	if allowed {
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorAllow}, nil
	}

	t.write(fmt.Sprintf("\n🔐 %s wants to run %s %s\n   allow? [y/N/a] ", channelID, p.ToolName, p.Input))
	answer, err := t.readLine(ctx, nil)
	if err != nil {
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorDeny, Message: "no answer"}, nil
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "a", "always":
		t.mu.Lock()
		t.allowTools = true
		t.mu.Unlock()
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorAllow}, nil
	case "y", "yes":
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorAllow}, nil
	default:
		return protocol.ToolPermissionResult{Behavior: protocol.BehaviorDeny, Message: "denied by user"}, nil
	}
}

// workspacePath maps an engine-supplied path onto a safe path relative to cwd.
func workspacePath(cwd, path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(cwd, path)
		if err != nil {
			return "", err
		}
		path = rel
	}
	return validation.SanitizePath(filepath.ToSlash(path))
}

func (t *terminal) openFile(cwd string) client.HandlerFunc {
	return func(ctx context.Context, channelID string, params json.RawMessage) (any, error) {
		var p protocol.OpenFileParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid open_file params: %w", err)
		}
		rel, err := workspacePath(cwd, p.Path)
		if err != nil {
			return nil, err
		}
		if p.Line > 0 {
			t.notef("📄 %s:%d\n", rel, p.Line)
		} else {
			t.notef("📄 %s\n", rel)
		}
		return protocol.Ack{OK: true}, nil
	}
}

func (t *terminal) openDiff(cwd string) client.HandlerFunc {
	return func(ctx context.Context, channelID string, params json.RawMessage) (any, error) {
		var p protocol.OpenDiffParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid open_diff params: %w", err)
		}
		rel, err := workspacePath(cwd, p.Path)
		if err != nil {
			return nil, err
		}
		t.notef("📝 %s: %d → %d lines\n", rel, lineCount(p.Original), lineCount(p.Modified))
		return protocol.Ack{OK: true}, nil
	}
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

// renderer prints the primary agent's stream as it arrives. Sub-agent
// messages are summarized by the router's finish hook instead.
type renderer struct {
	term *terminal
}

func newRenderer(term *terminal) *renderer {
	return &renderer{term: term}
}

func (r *renderer) run(ctx context.Context, ch *client.Channel) {
	it, err := ch.Events().Iter()
	if err != nil {
		return
	}
	defer it.Return()
	for {
		ev, err := it.Next(ctx)
		if err != nil {
			return
		}
		r.event(ev)
	}
}

func (r *renderer) event(ev agent.Event) {
	if ev.ParentID != "" {
		return
	}
	switch ev.Type {
	case agent.EventBlockStart:
		switch ev.BlockKind {
		case agent.BlockThinking:
			r.term.write("💭 ")
		case agent.BlockToolUse:
			r.term.write("🔧 " + ev.ToolName + " ")
		}
	case agent.EventBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case agent.DeltaText, agent.DeltaThinking:
			r.term.write(ev.Delta.Text)
		case agent.DeltaInputJSON:
			if s, ok := ev.Delta.PartialJSON.(string); ok {
				r.term.write(s)
			} else if data, err := json.Marshal(ev.Delta.PartialJSON); err == nil {
				r.term.write(string(data))
			}
		}
	case agent.EventBlockStop:
		r.term.write("\n")
	}
}
