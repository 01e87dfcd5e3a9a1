package anthropic

import (
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/HyphaGroup/conduit/internal/agent"
)

// translator maps SDK stream events onto agent events for one turn.
// Blocks of kinds the router does not render (redacted thinking, server
// tools) are dropped along with their deltas.
type translator struct {
	skipped map[int]bool
	text    strings.Builder
}

func newTranslator() *translator {
	return &translator{skipped: make(map[int]bool)}
}

func (t *translator) reply() string { return t.text.String() }

func (t *translator) translate(event sdk.MessageStreamEventUnion) []agent.Event {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return []agent.Event{{
			Type:      agent.EventStreamStart,
			MessageID: ev.Message.ID,
			Model:     string(ev.Message.Model),
			Usage:     &agent.Usage{InputTokens: ev.Message.Usage.InputTokens},
		}}

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		out := agent.Event{Type: agent.EventBlockStart, Index: idx}
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.TextBlock:
			out.BlockKind = agent.BlockText
		case sdk.ThinkingBlock:
			out.BlockKind = agent.BlockThinking
		case sdk.ToolUseBlock:
			out.BlockKind = agent.BlockToolUse
			out.ToolID = block.ID
			out.ToolName = block.Name
		default:
			t.skipped[idx] = true
			return nil
		}
		return []agent.Event{out}

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		if t.skipped[idx] {
			return nil
		}
		var delta *agent.Delta
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			t.text.WriteString(d.Text)
			delta = &agent.Delta{Type: agent.DeltaText, Text: d.Text}
		case sdk.ThinkingDelta:
			delta = &agent.Delta{Type: agent.DeltaThinking, Text: d.Thinking}
		case sdk.InputJSONDelta:
			delta = &agent.Delta{Type: agent.DeltaInputJSON, PartialJSON: d.PartialJSON}
		default:
			return nil
		}
		return []agent.Event{{Type: agent.EventBlockDelta, Index: idx, Delta: delta}}

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if t.skipped[idx] {
			delete(t.skipped, idx)
			return nil
		}
		return []agent.Event{{Type: agent.EventBlockStop, Index: idx}}

	case sdk.MessageDeltaEvent:
		return []agent.Event{{
			Type:       agent.EventStreamDelta,
			StopReason: string(ev.Delta.StopReason),
			Usage:      &agent.Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens},
		}}

	case sdk.MessageStopEvent:
		return []agent.Event{{Type: agent.EventStreamStop}}
	}
	return nil
}
