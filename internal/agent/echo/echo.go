// Package echo is an offline engine that streams each user turn back.
//
// It needs no credentials and is the default when no model provider is
// configured. A few slash commands exercise the rest of the event grammar:
//
//	/think <text>          thinking block followed by a text block
//	/tool <name> <json>    tool_use block, then asks the client for permission
//	/open <path>           asks the client to open a file
//	/agent <name> <text>   nested sub-agent stream with ParentID <name>
//	/fail <message>        the turn fails with message
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/protocol"
)

// Options configure the echo engine.
type Options struct {
	// ChunkDelay is slept between text deltas; zero streams as fast as possible.
	ChunkDelay time.Duration

	// ChunkSize is the number of runes per text delta (default 8).
	ChunkSize int

	TranscriptTTL  time.Duration
	MaxTranscripts int
}

// Engine implements agent.Engine.
type Engine struct {
	opts        Options
	transcripts *agent.Transcripts
}

// New creates an echo engine.
func New(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8
	}
	return &Engine{
		opts:        opts,
		transcripts: agent.NewTranscripts(opts.TranscriptTTL, opts.MaxTranscripts),
	}
}

func (e *Engine) Name() string { return string(agent.EngineTypeEcho) }

// Start implements agent.Engine.
func (e *Engine) Start(ctx context.Context, opts agent.StartOptions) (agent.Session, error) {
	if opts.Input == nil {
		return nil, errors.New("echo: input stream is required")
	}
	return agent.StartTurnSession(opts, &runner{opts: e.opts}, e.transcripts), nil
}

type runner struct {
	opts Options
}

func (r *runner) RunTurn(ctx context.Context, req agent.TurnRequest, emit agent.EmitFunc) (string, error) {
	text := strings.TrimSpace(req.Turn.Text)
	model := req.Settings.Model
	if model == "" {
		model = "echo"
	}

	cmd, rest, _ := strings.Cut(text, " ")
	switch cmd {
	case "/fail":
		return "", fmt.Errorf("echo: %s", rest)
	case "/open":
		return r.open(ctx, req, emit, model, rest)
	}

	w := &writer{emit: emit, runner: r, ctx: ctx}
	w.put(agent.Event{Type: agent.EventStreamStart, MessageID: newMessageID(), Model: model})

	reply := text
	switch cmd {
	case "/think":
		w.block(agent.BlockThinking, agent.DeltaThinking, "Considering: "+rest)
		reply = rest
		w.block(agent.BlockText, agent.DeltaText, reply)
	case "/tool":
		reply = r.tool(ctx, w, req, rest)
	case "/agent":
		name, body, _ := strings.Cut(rest, " ")
		reply = body
		w.sub(name, body)
		w.block(agent.BlockText, agent.DeltaText, "sub-agent "+name+" finished")
	default:
		w.block(agent.BlockText, agent.DeltaText, reply)
	}

	w.put(agent.Event{
		Type:       agent.EventStreamDelta,
		Usage:      &agent.Usage{InputTokens: int64(len(text)), OutputTokens: int64(len(reply))},
		StopReason: "end_turn",
	})
	w.put(agent.Event{Type: agent.EventStreamStop})
	return reply, w.err
}

func (r *runner) tool(ctx context.Context, w *writer, req agent.TurnRequest, rest string) string {
	name, input, _ := strings.Cut(rest, " ")
	if input == "" {
		input = "{}"
	}
	toolID := "tool_" + newMessageID()

	idx := w.next
	w.next++
	w.put(agent.Event{Type: agent.EventBlockStart, Index: idx, BlockKind: agent.BlockToolUse, ToolID: toolID, ToolName: name})
	for _, part := range chunk(input, r.opts.ChunkSize) {
		w.put(agent.Event{Type: agent.EventBlockDelta, Index: idx, Delta: &agent.Delta{Type: agent.DeltaInputJSON, PartialJSON: part}})
	}
	w.put(agent.Event{Type: agent.EventBlockStop, Index: idx})
	if w.err != nil {
		return ""
	}

	decision, err := agent.AskToolPermission(ctx, req.Requester, req.Settings.PermissionMode, protocol.ToolPermissionParams{
		ToolName: name,
		ToolID:   toolID,
		Input:    input,
	})
	var reply string
	switch {
	case err != nil:
		reply = fmt.Sprintf("Permission request for %s failed: %v", name, err)
	case decision.Behavior == protocol.BehaviorAllow:
		reply = fmt.Sprintf("Tool %s allowed.", name)
	default:
		reply = fmt.Sprintf("Tool %s denied: %s", name, decision.Message)
	}
	w.block(agent.BlockText, agent.DeltaText, reply)
	return reply
}

func (r *runner) open(ctx context.Context, req agent.TurnRequest, emit agent.EmitFunc, model, path string) (string, error) {
	var reply string
	if req.Requester == nil {
		reply = "No client attached."
	} else if raw, err := req.Requester.Request(ctx, protocol.KindOpenFile, protocol.OpenFileParams{Path: path}); err != nil {
		reply = fmt.Sprintf("Could not open %s: %v", path, err)
	} else {
		var ack protocol.Ack
		_ = json.Unmarshal(raw, &ack)
		reply = fmt.Sprintf("Opened %s (ok=%t).", path, ack.OK)
	}

	w := &writer{emit: emit, runner: r, ctx: ctx}
	w.put(agent.Event{Type: agent.EventStreamStart, MessageID: newMessageID(), Model: model})
	w.block(agent.BlockText, agent.DeltaText, reply)
	w.put(agent.Event{Type: agent.EventStreamStop})
	return reply, w.err
}

// writer emits events until the first failure and remembers it.
type writer struct {
	emit   agent.EmitFunc
	runner *runner
	ctx    context.Context
	next   int
	err    error
}

func (w *writer) put(e agent.Event) {
	if w.err != nil {
		return
	}
	if err := w.ctx.Err(); err != nil {
		w.err = err
		return
	}
	w.err = w.emit(e)
}

func (w *writer) block(kind agent.BlockKind, delta agent.DeltaType, text string) {
	idx := w.next
	w.next++
	w.blockAt("", idx, kind, delta, text)
}

func (w *writer) blockAt(parent string, idx int, kind agent.BlockKind, delta agent.DeltaType, text string) {
	w.put(agent.Event{Type: agent.EventBlockStart, ParentID: parent, Index: idx, BlockKind: kind})
	for _, part := range chunk(text, w.runner.opts.ChunkSize) {
		w.pause()
		w.put(agent.Event{Type: agent.EventBlockDelta, ParentID: parent, Index: idx, Delta: &agent.Delta{Type: delta, Text: part}})
	}
	w.put(agent.Event{Type: agent.EventBlockStop, ParentID: parent, Index: idx})
}

func (w *writer) sub(parent, text string) {
	w.put(agent.Event{Type: agent.EventStreamStart, ParentID: parent, MessageID: newMessageID(), Model: "echo"})
	w.blockAt(parent, 0, agent.BlockText, agent.DeltaText, text)
	w.put(agent.Event{Type: agent.EventStreamStop, ParentID: parent})
}

func (w *writer) pause() {
	d := w.runner.opts.ChunkDelay
	if d <= 0 || w.err != nil {
		return
	}
	select {
	case <-time.After(d):
	case <-w.ctx.Done():
		w.err = w.ctx.Err()
	}
}

func chunk(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func newMessageID() string {
	return "msg_" + uuid.New().String()[:8]
}
