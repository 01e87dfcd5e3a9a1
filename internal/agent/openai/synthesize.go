package openai

import (
	"strings"

	"github.com/openai/openai-go"

	"github.com/HyphaGroup/conduit/internal/agent"
)

// synthesizer turns chat completion chunks into the block-structured event
// grammar. Only one block is open at a time.
type synthesizer struct {
	started bool
	next    int

	open     int // index of the open block, -1 when none
	openKind agent.BlockKind
	openTool int64 // tool call index owning the open tool_use block

	stopReason string
	usage      *agent.Usage
	text       strings.Builder
}

func newSynthesizer() *synthesizer {
	return &synthesizer{open: -1}
}

func (s *synthesizer) reply() string { return s.text.String() }

func (s *synthesizer) chunk(ck openai.ChatCompletionChunk) []agent.Event {
	var out []agent.Event
	if !s.started {
		s.started = true
		out = append(out, agent.Event{Type: agent.EventStreamStart, MessageID: ck.ID, Model: ck.Model})
	}

	for _, ch := range ck.Choices {
		if ch.Index != 0 {
			continue
		}
		if c := ch.Delta.Content; c != "" {
			if s.open < 0 || s.openKind != agent.BlockText {
				out = s.closeBlock(out)
				out = s.openBlock(out, agent.Event{BlockKind: agent.BlockText})
			}
			s.text.WriteString(c)
			out = append(out, agent.Event{Type: agent.EventBlockDelta, Index: s.open, Delta: &agent.Delta{Type: agent.DeltaText, Text: c}})
		}
		for _, tc := range ch.Delta.ToolCalls {
			if s.open < 0 || s.openKind != agent.BlockToolUse || s.openTool != tc.Index {
				out = s.closeBlock(out)
				s.openTool = tc.Index
				out = s.openBlock(out, agent.Event{BlockKind: agent.BlockToolUse, ToolID: tc.ID, ToolName: tc.Function.Name})
			}
			if args := tc.Function.Arguments; args != "" {
				out = append(out, agent.Event{Type: agent.EventBlockDelta, Index: s.open, Delta: &agent.Delta{Type: agent.DeltaInputJSON, PartialJSON: args}})
			}
		}
		if ch.FinishReason != "" {
			out = s.closeBlock(out)
			s.stopReason = ch.FinishReason
		}
	}

	if u := ck.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 {
		s.usage = &agent.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	}
	return out
}

// finish closes anything still open once the chunk stream has ended.
func (s *synthesizer) finish() []agent.Event {
	if !s.started {
		return nil
	}
	out := s.closeBlock(nil)
	if s.stopReason != "" || s.usage != nil {
		out = append(out, agent.Event{Type: agent.EventStreamDelta, StopReason: s.stopReason, Usage: s.usage})
	}
	return append(out, agent.Event{Type: agent.EventStreamStop})
}

func (s *synthesizer) openBlock(out []agent.Event, start agent.Event) []agent.Event {
	start.Type = agent.EventBlockStart
	start.Index = s.next
	s.open = s.next
	s.openKind = start.BlockKind
	s.next++
	return append(out, start)
}

func (s *synthesizer) closeBlock(out []agent.Event) []agent.Event {
	if s.open < 0 {
		return out
	}
	out = append(out, agent.Event{Type: agent.EventBlockStop, Index: s.open})
	s.open = -1
	return out
}
