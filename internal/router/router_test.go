package router

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/conduit/internal/agent"
)

type finish struct {
	msg    *Message
	reason Reason
}

func newRecorded(budgets Budgets) (*Router, chan finish) {
	r := New(budgets)
	done := make(chan finish, 16)
	r.OnFinish(func(m *Message, reason Reason) { done <- finish{m, reason} })
	return r, done
}

func apply(t *testing.T, r *Router, events ...agent.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, r.Handle(e))
	}
}

func TestBudgets_For(t *testing.T) {
	def := DefaultBudgets()
	assert.Equal(t, 5*time.Minute, def.For(agent.BlockThinking))
	assert.Equal(t, 2*time.Minute, def.For(agent.BlockToolUse))
	assert.Equal(t, 60*time.Second, def.For(agent.BlockText))
	assert.Equal(t, 60*time.Second, def.For(""))

	custom := Budgets{Thinking: time.Second}
	assert.Equal(t, time.Second, custom.For(agent.BlockThinking))
	assert.Equal(t, 2*time.Minute, custom.For(agent.BlockToolUse), "zero fields fall back")
}

func TestRouter_ScenarioA(t *testing.T) {
	r, done := newRecorded(DefaultBudgets())
	var opened *Message
	r.OnMessage(func(m *Message) { opened = m })

	apply(t, r,
		agent.Event{Type: agent.EventStreamStart, MessageID: "m1", Model: "x"},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "Hello"}},
		agent.Event{Type: agent.EventBlockStop, Index: 0},
		agent.Event{Type: agent.EventStreamStop},
	)

	f := <-done
	assert.Same(t, opened, f.msg)
	assert.Equal(t, ReasonStopped, f.reason)
	assert.Equal(t, "m1", f.msg.ID())
	assert.False(t, f.msg.Streaming())
	assert.False(t, f.msg.Interrupted())

	blocks := f.msg.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "Hello", blocks[0].Text())
	assert.False(t, blocks[0].Streaming())
	assert.Empty(t, r.Active())
}

func TestRouter_ScenarioE_IdleTimeoutInThinking(t *testing.T) {
	r, done := newRecorded(Budgets{Thinking: 40 * time.Millisecond, ToolUse: time.Hour, Default: time.Hour})
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockThinking},
		agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaThinking, Text: "hmm"}},
	)
	assert.Equal(t, []string{""}, r.Active())

	select {
	case f := <-done:
		assert.Equal(t, ReasonInterrupted, f.reason)
		assert.True(t, f.msg.Interrupted())
		assert.False(t, f.msg.Streaming())
		assert.False(t, f.msg.Blocks()[0].Streaming())
		assert.Equal(t, "hmm", f.msg.Blocks()[0].Text())
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never fired")
	}
	assert.Empty(t, r.Active())
}

func TestRouter_InterruptedStop(t *testing.T) {
	r, done := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart, MessageID: "m1"},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventStreamStop, StopReason: agent.StopReasonInterrupted},
	)
	f := <-done
	assert.Equal(t, ReasonInterrupted, f.reason)
	assert.True(t, f.msg.Interrupted())
	assert.Equal(t, agent.StopReasonInterrupted, f.msg.StopReason())
	assert.False(t, f.msg.Blocks()[0].Streaming())
}

func TestRouter_EventsRearmTimer(t *testing.T) {
	r, done := newRecorded(Budgets{Default: 80 * time.Millisecond})
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
	)
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		apply(t, r, agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "."}})
	}
	select {
	case <-done:
		t.Fatal("timer fired while events kept arriving")
	default:
	}
	apply(t, r, agent.Event{Type: agent.EventStreamStop})
	assert.Equal(t, ReasonStopped, (<-done).reason)
}

func TestRouter_CancelMatchesIdleTimeout(t *testing.T) {
	open := []agent.Event{
		{Type: agent.EventStreamStart},
		{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockToolUse, ToolName: "bash"},
		{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaInputJSON, PartialJSON: `{"a":`}},
	}

	cancelled, cdone := newRecorded(DefaultBudgets())
	apply(t, cancelled, open...)
	assert.True(t, cancelled.Cancel(""))
	assert.False(t, cancelled.Cancel(""), "second cancel finds nothing open")
	c := <-cdone

	idled, idone := newRecorded(Budgets{ToolUse: 20 * time.Millisecond})
	apply(t, idled, open...)
	i := <-idone

	assert.Equal(t, i.reason, c.reason)
	assert.Equal(t, i.msg.Interrupted(), c.msg.Interrupted())
	assert.Equal(t, i.msg.Streaming(), c.msg.Streaming())
	assert.Equal(t, i.msg.Err(), c.msg.Err())
	assert.Equal(t, i.msg.Blocks()[0].Text(), c.msg.Blocks()[0].Text())
	assert.Equal(t, i.msg.Blocks()[0].Streaming(), c.msg.Blocks()[0].Streaming())
}

func TestRouter_ErrorAttachesToMessage(t *testing.T) {
	r, done := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventError, Error: "overloaded"},
	)
	f := <-done
	assert.Equal(t, ReasonErrored, f.reason)
	assert.Equal(t, "overloaded", f.msg.Err())
	assert.False(t, f.msg.Blocks()[0].Streaming())
}

func TestRouter_SubAgentsInterleave(t *testing.T) {
	r, done := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamStart, ParentID: "sub"},
		agent.Event{Type: agent.EventBlockStart, ParentID: "sub", Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventBlockDelta, ParentID: "sub", Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "inner"}},
		agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "outer"}},
	)
	active := r.Active()
	sort.Strings(active)
	assert.Equal(t, []string{"", "sub"}, active)

	apply(t, r, agent.Event{Type: agent.EventStreamStop, ParentID: "sub"})
	sub := <-done
	assert.Equal(t, "sub", sub.msg.ParentID())
	assert.Equal(t, "inner", sub.msg.Text())

	primary, ok := r.Current("")
	require.True(t, ok)
	assert.Equal(t, "outer", primary.Text())
	assert.True(t, primary.Streaming())
}

func TestRouter_PartialJSONNonString(t *testing.T) {
	r, _ := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventBlockStart, Index: 3, BlockKind: agent.BlockToolUse},
		agent.Event{Type: agent.EventBlockDelta, Index: 3, Delta: &agent.Delta{Type: agent.DeltaInputJSON, PartialJSON: `{"path":`}},
		agent.Event{Type: agent.EventBlockDelta, Index: 3, Delta: &agent.Delta{Type: agent.DeltaInputJSON, PartialJSON: map[string]any{"k": 1}}},
	)
	m, _ := r.Current("")
	assert.Equal(t, `{"path":{"k":1}`, m.Blocks()[0].Text())
}

func TestRouter_OrphanEventsRejected(t *testing.T) {
	r := New(DefaultBudgets())
	err := r.Handle(agent.Event{Type: agent.EventBlockStart, ParentID: "ghost"})
	assert.ErrorIs(t, err, ErrNoStream)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRouter_RestartInterruptsPrevious(t *testing.T) {
	r, done := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart, MessageID: "first"},
		agent.Event{Type: agent.EventStreamStart, MessageID: "second"},
	)
	f := <-done
	assert.Equal(t, "first", f.msg.ID())
	assert.Equal(t, ReasonInterrupted, f.reason)

	m, ok := r.Current("")
	require.True(t, ok)
	assert.Equal(t, "second", m.ID())
}

func TestRouter_DuplicateBlockStartRejected(t *testing.T) {
	r, _ := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "kept"}},
	)

	err := r.Handle(agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockThinking})
	assert.ErrorIs(t, err, ErrDuplicateBlock)

	apply(t, r, agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "!"}})
	m, _ := r.Current("")
	blocks := m.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, agent.BlockText, blocks[0].Kind())
	assert.Equal(t, "kept!", blocks[0].Text())
}

func TestRouter_FinalizedBlocksIgnoreLateDeltas(t *testing.T) {
	r, _ := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "a"}},
		agent.Event{Type: agent.EventBlockStop, Index: 0},
		agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "b"}},
	)
	m, _ := r.Current("")
	assert.Equal(t, "a", m.Blocks()[0].Text())
}

func TestMessage_SubscribeAndUnsubscribe(t *testing.T) {
	r, _ := newRecorded(DefaultBudgets())
	var msg *Message
	var changes []Change
	var unsub func()
	r.OnMessage(func(m *Message) {
		msg = m
		unsub = m.Subscribe(func(c Change) { changes = append(changes, c) })
	})

	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventBlockStart, Index: 0, BlockKind: agent.BlockText},
		agent.Event{Type: agent.EventBlockDelta, Index: 0, Delta: &agent.Delta{Type: agent.DeltaText, Text: "x"}},
		agent.Event{Type: agent.EventStreamDelta, Usage: &agent.Usage{OutputTokens: 3}, StopReason: "end_turn"},
	)
	assert.Equal(t, []Change{ChangeBlocks, ChangeContent, ChangeUsage}, changes)
	assert.Equal(t, int64(3), msg.Usage().OutputTokens)
	assert.Equal(t, "end_turn", msg.StopReason())

	unsub()
	apply(t, r, agent.Event{Type: agent.EventStreamStop})
	assert.Len(t, changes, 3)
}

func TestRouter_DisposeIsIdempotent(t *testing.T) {
	r, done := newRecorded(DefaultBudgets())
	apply(t, r,
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamStart, ParentID: "sub"},
	)
	r.Dispose()
	r.Dispose()

	assert.Len(t, done, 2)
	assert.Empty(t, r.Active())
	assert.ErrorIs(t, r.Handle(agent.Event{Type: agent.EventStreamStart}), ErrDisposed)
	assert.False(t, r.Cancel(""))
}

// Every message sees exactly one terminal transition regardless of how the
// event sequence is shaped, and its blocks are frozen from then on.
func TestRouter_SingleTerminalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	parents := []string{"", "sub"}
	kinds := []agent.BlockKind{agent.BlockText, agent.BlockThinking, agent.BlockToolUse}

	properties.Property("one finish per message and frozen blocks", prop.ForAll(
		func(ops []int) bool {
			r := New(Budgets{Thinking: time.Hour, ToolUse: time.Hour, Default: time.Hour})
			var mu sync.Mutex
			finishes := map[*Message]int{}
			frozen := map[*ContentBlock]string{}
			var opened []*Message

			r.OnMessage(func(m *Message) { opened = append(opened, m) })
			r.OnFinish(func(m *Message, _ Reason) {
				mu.Lock()
				defer mu.Unlock()
				finishes[m]++
				for _, b := range m.Blocks() {
					frozen[b] = b.Text()
				}
			})

			for i, op := range ops {
				parent := parents[op%2]
				idx := (op / 2) % 2
				var e agent.Event
				switch op % 8 {
				case 0:
					e = agent.Event{Type: agent.EventStreamStart, ParentID: parent}
				case 1:
					e = agent.Event{Type: agent.EventBlockStart, ParentID: parent, Index: idx, BlockKind: kinds[i%3]}
				case 2, 3:
					e = agent.Event{Type: agent.EventBlockDelta, ParentID: parent, Index: idx, Delta: &agent.Delta{Type: agent.DeltaText, Text: "z"}}
				case 4:
					e = agent.Event{Type: agent.EventBlockStop, ParentID: parent, Index: idx}
				case 5:
					e = agent.Event{Type: agent.EventStreamStop, ParentID: parent}
				case 6:
					e = agent.Event{Type: agent.EventError, ParentID: parent, Error: "x"}
				case 7:
					r.Cancel(parent)
					continue
				}
				_ = r.Handle(e)
			}
			r.Dispose()

			if len(finishes) != len(opened) {
				return false
			}
			for _, m := range opened {
				if finishes[m] != 1 || m.Streaming() {
					return false
				}
			}
			for b, text := range frozen {
				if b.Streaming() || b.Text() != text {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 31)),
	))

	properties.TestingRun(t)
}
