// Package router assembles engine events into Message state on the client.
//
// Each parent id ("" for the primary agent, otherwise a sub-agent name) has
// at most one open stream context. A context opens on stream_start and ends
// on exactly one of stream_stop, error, idle timeout or Cancel. An idle
// timeout and Cancel leave the message in the same state: interrupted and
// no longer streaming.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/conduit/internal/agent"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/metrics"
)

// ErrNoStream is returned for events addressed to a parent id with no open stream.
var ErrNoStream = errors.New("no open stream")

// ErrDisposed is returned once the router has been disposed.
var ErrDisposed = errors.New("router disposed")

// ErrDuplicateBlock is returned for a block_start reusing an index already
// open in the same message. The existing block is kept.
var ErrDuplicateBlock = errors.New("duplicate block index")

// Reason says how a message finished.
type Reason string

const (
	ReasonStopped     Reason = "stopped"
	ReasonErrored     Reason = "errored"
	ReasonInterrupted Reason = "interrupted"
)

// Budgets are the idle timeouts by current block kind.
type Budgets struct {
	Thinking time.Duration
	ToolUse  time.Duration
	Default  time.Duration
}

// DefaultBudgets returns the stock idle budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Thinking: 5 * time.Minute,
		ToolUse:  2 * time.Minute,
		Default:  60 * time.Second,
	}
}

// For returns the budget for a block kind, falling back to the stock value
// for any zero field.
func (b Budgets) For(kind agent.BlockKind) time.Duration {
	def := DefaultBudgets()
	pick := func(v, fallback time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return fallback
	}
	switch kind {
	case agent.BlockThinking:
		return pick(b.Thinking, def.Thinking)
	case agent.BlockToolUse:
		return pick(b.ToolUse, def.ToolUse)
	default:
		return pick(b.Default, def.Default)
	}
}

type streamContext struct {
	parentID    string
	msg         *Message
	blocks      map[int]*ContentBlock
	currentKind agent.BlockKind
	timer       *time.Timer
	seq         uint64
	terminated  bool
}

// Router tracks the open stream contexts of one channel.
type Router struct {
	budgets Budgets

	mu       sync.Mutex
	contexts map[string]*streamContext
	disposed bool

	onMessage func(*Message)
	onUpdate  func(*Message, Change)
	onFinish  func(*Message, Reason)
}

// New creates a router with the given idle budgets.
func New(budgets Budgets) *Router {
	return &Router{
		budgets:  budgets,
		contexts: make(map[string]*streamContext),
	}
}

// OnMessage is called when a stream opens a new message.
func (r *Router) OnMessage(fn func(*Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = fn
}

// OnUpdate is called after every change to an open message.
func (r *Router) OnUpdate(fn func(*Message, Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

// OnFinish is called once per message when its stream context ends.
func (r *Router) OnFinish(fn func(*Message, Reason)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = fn
}

// Handle applies one engine event.
func (r *Router) Handle(e agent.Event) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}

	if e.Type == agent.EventStreamStart {
		var fire []func()
		if old := r.contexts[e.ParentID]; old != nil {
			logger.Info("Stream %q restarted before stopping; interrupting previous message", e.ParentID)
			fire = append(fire, r.terminateLocked(old, ReasonInterrupted, ""))
		}
		sc := &streamContext{
			parentID: e.ParentID,
			msg:      newMessage(e),
			blocks:   make(map[int]*ContentBlock),
		}
		r.contexts[e.ParentID] = sc
		r.armLocked(sc)
		onMessage := r.onMessage
		r.mu.Unlock()

		for _, f := range fire {
			f()
		}
		if onMessage != nil {
			onMessage(sc.msg)
		}
		return nil
	}

	sc := r.contexts[e.ParentID]
	if sc == nil {
		r.mu.Unlock()
		return fmt.Errorf("%s for parent %q: %w", e.Type, e.ParentID, ErrNoStream)
	}

	switch e.Type {
	case agent.EventStreamStop:
		sc.msg.mergeUsage(e.Usage, e.StopReason)
		reason := ReasonStopped
		if e.StopReason == agent.StopReasonInterrupted {
			reason = ReasonInterrupted
		}
		fire := r.terminateLocked(sc, reason, "")
		r.mu.Unlock()
		fire()
		return nil
	case agent.EventError:
		errText := e.Error
		if errText == "" {
			errText = "engine error"
		}
		fire := r.terminateLocked(sc, ReasonErrored, errText)
		r.mu.Unlock()
		fire()
		return nil
	}

	var change Change
	switch e.Type {
	case agent.EventBlockStart:
		if _, dup := sc.blocks[e.Index]; dup {
			r.mu.Unlock()
			return fmt.Errorf("block_start index %d: %w", e.Index, ErrDuplicateBlock)
		}
		b := newContentBlock(e)
		sc.blocks[e.Index] = b
		sc.currentKind = e.BlockKind
		sc.msg.addBlock(b)
		change = ChangeBlocks
	case agent.EventBlockDelta:
		if b := sc.blocks[e.Index]; b != nil && e.Delta != nil && b.append(deltaText(e.Delta)) {
			change = ChangeContent
		}
	case agent.EventBlockStop:
		if b := sc.blocks[e.Index]; b != nil && b.Finalize() {
			change = ChangeContent
		}
	case agent.EventStreamDelta:
		sc.msg.mergeUsage(e.Usage, e.StopReason)
		change = ChangeUsage
	}
	r.armLocked(sc)
	onUpdate := r.onUpdate
	r.mu.Unlock()

	if change != "" {
		sc.msg.notify(change)
		if onUpdate != nil {
			onUpdate(sc.msg, change)
		}
	}
	return nil
}

// Cancel ends the open stream for parentID as if it had gone idle. It
// reports whether a stream was open.
func (r *Router) Cancel(parentID string) bool {
	r.mu.Lock()
	sc := r.contexts[parentID]
	if sc == nil || r.disposed {
		r.mu.Unlock()
		return false
	}
	fire := r.terminateLocked(sc, ReasonInterrupted, "")
	r.mu.Unlock()
	fire()
	return true
}

// Active lists the parent ids with an open stream.
func (r *Router) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		out = append(out, id)
	}
	return out
}

// Current returns the open message for parentID.
func (r *Router) Current(parentID string) (*Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc := r.contexts[parentID]
	if sc == nil {
		return nil, false
	}
	return sc.msg, true
}

// Dispose interrupts every open stream and drops the callbacks. Safe to
// call more than once.
func (r *Router) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	var fire []func()
	for _, sc := range r.contexts {
		fire = append(fire, r.terminateLocked(sc, ReasonInterrupted, ""))
	}
	r.onMessage = nil
	r.onUpdate = nil
	r.onFinish = nil
	r.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// armLocked (re)starts the idle timer for the context's current block kind.
// A timer that fires after being superseded sees a stale seq and does nothing.
func (r *Router) armLocked(sc *streamContext) {
	if sc.timer != nil {
		sc.timer.Stop()
	}
	sc.seq++
	seq := sc.seq
	sc.timer = time.AfterFunc(r.budgets.For(sc.currentKind), func() {
		r.expire(sc, seq)
	})
}

func (r *Router) expire(sc *streamContext, seq uint64) {
	r.mu.Lock()
	if sc.terminated || sc.seq != seq || r.contexts[sc.parentID] != sc {
		r.mu.Unlock()
		return
	}
	logger.Info("Stream %q idle for %v in %s block; interrupting", sc.parentID, r.budgets.For(sc.currentKind), blockKindName(sc.currentKind))
	fire := r.terminateLocked(sc, ReasonInterrupted, "")
	r.mu.Unlock()
	fire()
}

// terminateLocked applies the single terminal transition for sc and returns
// the notifications to run once the router lock is released.
func (r *Router) terminateLocked(sc *streamContext, reason Reason, errText string) func() {
	if sc.terminated {
		return func() {}
	}
	sc.terminated = true
	if sc.timer != nil {
		sc.timer.Stop()
	}
	if r.contexts[sc.parentID] == sc {
		delete(r.contexts, sc.parentID)
	}
	metrics.RecordStreamTermination(string(reason))

	onFinish := r.onFinish
	onUpdate := r.onUpdate
	msg := sc.msg
	return func() {
		msg.end(reason == ReasonInterrupted, errText)
		msg.notify(ChangeStreaming)
		switch reason {
		case ReasonInterrupted:
			msg.notify(ChangeInterrupted)
		case ReasonErrored:
			msg.notify(ChangeError)
		}
		if onUpdate != nil {
			onUpdate(msg, ChangeStreaming)
		}
		if onFinish != nil {
			onFinish(msg, reason)
		}
	}
}

// deltaText extracts the text a delta appends. Non-string tool input
// fragments are appended in their JSON form.
func deltaText(d *agent.Delta) string {
	switch d.Type {
	case agent.DeltaInputJSON:
		switch v := d.PartialJSON.(type) {
		case nil:
			return ""
		case string:
			return v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Sprint(v)
			}
			return string(raw)
		}
	default:
		return d.Text
	}
}

func blockKindName(k agent.BlockKind) string {
	if k == "" {
		return "no"
	}
	return string(k)
}
