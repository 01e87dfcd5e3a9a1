package router

import (
	"strings"
	"sync"

	"github.com/HyphaGroup/conduit/internal/agent"
)

// Change names what moved on a Message.
type Change string

const (
	ChangeBlocks      Change = "blocks"
	ChangeContent     Change = "content"
	ChangeUsage       Change = "usage"
	ChangeStreaming   Change = "streaming"
	ChangeInterrupted Change = "interrupted"
	ChangeError       Change = "error"
)

// ContentBlock accumulates one text, thinking or tool_use block. Once
// finalized its buffer never changes again.
type ContentBlock struct {
	index    int
	kind     agent.BlockKind
	toolID   string
	toolName string

	mu        sync.RWMutex
	buf       strings.Builder
	streaming bool
}

func newContentBlock(e agent.Event) *ContentBlock {
	return &ContentBlock{
		index:     e.Index,
		kind:      e.BlockKind,
		toolID:    e.ToolID,
		toolName:  e.ToolName,
		streaming: true,
	}
}

func (b *ContentBlock) Index() int            { return b.index }
func (b *ContentBlock) Kind() agent.BlockKind { return b.kind }
func (b *ContentBlock) ToolID() string        { return b.toolID }
func (b *ContentBlock) ToolName() string      { return b.toolName }

func (b *ContentBlock) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf.String()
}

func (b *ContentBlock) Streaming() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streaming
}

// Finalize freezes the block. It reports whether this call did the freezing.
func (b *ContentBlock) Finalize() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.streaming {
		return false
	}
	b.streaming = false
	return true
}

func (b *ContentBlock) append(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.streaming || s == "" {
		return false
	}
	b.buf.WriteString(s)
	return true
}

// Message is the UI-facing state of one streamed assistant message.
// Mutations happen only through the router; readers use the getters and
// Subscribe for change notification.
type Message struct {
	parentID string

	mu          sync.RWMutex
	id          string
	model       string
	blocks      []*ContentBlock
	streaming   bool
	interrupted bool
	errText     string
	usage       agent.Usage
	stopReason  string

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

func newMessage(e agent.Event) *Message {
	m := &Message{
		parentID:  e.ParentID,
		id:        e.MessageID,
		model:     e.Model,
		streaming: true,
	}
	if e.Usage != nil {
		m.usage = *e.Usage
	}
	return m
}

func (m *Message) ParentID() string { return m.parentID }

func (m *Message) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

func (m *Message) Model() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model
}

// Blocks returns the blocks in arrival order.
func (m *Message) Blocks() []*ContentBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ContentBlock, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// Text concatenates all text blocks.
func (m *Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks() {
		if blk.Kind() == agent.BlockText {
			b.WriteString(blk.Text())
		}
	}
	return b.String()
}

func (m *Message) Streaming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streaming
}

func (m *Message) Interrupted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interrupted
}

// Err returns the engine error text that ended the message, if any.
func (m *Message) Err() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errText
}

func (m *Message) Usage() agent.Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage
}

func (m *Message) StopReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopReason
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the goroutine that applied the change.
func (m *Message) Subscribe(fn func(Change)) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.subs == nil {
		m.subs = make(map[int]func(Change))
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Message) notify(c Change) {
	m.subMu.Lock()
	fns := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (m *Message) addBlock(b *ContentBlock) {
	m.mu.Lock()
	m.blocks = append(m.blocks, b)
	m.mu.Unlock()
}

func (m *Message) mergeUsage(u *agent.Usage, stopReason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u != nil {
		if u.InputTokens != 0 {
			m.usage.InputTokens = u.InputTokens
		}
		if u.OutputTokens != 0 {
			m.usage.OutputTokens = u.OutputTokens
		}
	}
	if stopReason != "" {
		m.stopReason = stopReason
	}
}

// end finalizes every block and applies the terminal flags.
func (m *Message) end(interrupted bool, errText string) {
	m.mu.Lock()
	m.streaming = false
	if interrupted {
		m.interrupted = true
	}
	if errText != "" {
		m.errText = errText
	}
	blocks := m.blocks
	m.mu.Unlock()

	for _, b := range blocks {
		b.Finalize()
	}
}
