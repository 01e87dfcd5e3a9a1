// Package openai implements agent.Engine on the OpenAI Chat Completions API.
//
// Chat completion chunks carry no block structure, so the engine
// synthesizes it: the first chunk opens the stream, content deltas become a
// text block and each tool call becomes a tool_use block whose argument
// fragments arrive as input_json_delta.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/HyphaGroup/conduit/internal/agent"
)

// DefaultModel is used when neither the launch nor the config names one.
const DefaultModel = openai.ChatModelGPT4oMini

// ChatClient is the subset of the SDK chat completions service the engine uses.
type ChatClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Options configure the engine.
type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	SystemPrompt string

	TranscriptTTL  time.Duration
	MaxTranscripts int
}

// Engine implements agent.Engine.
type Engine struct {
	chat        ChatClient
	opts        Options
	transcripts *agent.Transcripts
}

// New creates an engine around an existing chat completions client.
func New(chat ChatClient, opts Options) *Engine {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	return &Engine{
		chat:        chat,
		opts:        opts,
		transcripts: agent.NewTranscripts(opts.TranscriptTTL, opts.MaxTranscripts),
	}
}

// NewFromAPIKey builds the SDK client from opts.APIKey and opts.BaseURL.
func NewFromAPIKey(opts Options) (*Engine, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return New(&client.Chat.Completions, opts), nil
}

func (e *Engine) Name() string { return string(agent.EngineTypeOpenAI) }

// Start implements agent.Engine.
func (e *Engine) Start(ctx context.Context, opts agent.StartOptions) (agent.Session, error) {
	if opts.Input == nil {
		return nil, errors.New("openai: input stream is required")
	}
	return agent.StartTurnSession(opts, e, e.transcripts), nil
}

// RunTurn implements agent.TurnRunner.
func (e *Engine) RunTurn(ctx context.Context, req agent.TurnRequest, emit agent.EmitFunc) (string, error) {
	stream := e.chat.NewStreaming(ctx, e.buildParams(req))
	defer stream.Close()

	sy := newSynthesizer()
	for stream.Next() {
		for _, ev := range sy.chunk(stream.Current()) {
			if err := emit(ev); err != nil {
				return sy.reply(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return sy.reply(), fmt.Errorf("openai streaming error: %w", err)
	}
	for _, ev := range sy.finish() {
		if err := emit(ev); err != nil {
			return sy.reply(), err
		}
	}
	return sy.reply(), nil
}

func (e *Engine) buildParams(req agent.TurnRequest) openai.ChatCompletionNewParams {
	model := req.Settings.Model
	if model == "" {
		model = e.opts.DefaultModel
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if system := strings.TrimSpace(e.opts.SystemPrompt); system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, ex := range req.History {
		msgs = append(msgs, openai.UserMessage(ex.User))
		if ex.Assistant != "" {
			msgs = append(msgs, openai.AssistantMessage(ex.Assistant))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.Turn.Text))

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if e.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(e.opts.MaxTokens))
	}
	if effort := reasoningEffort(req.Settings.ThinkingBudget); effort != "" {
		params.ReasoningEffort = effort
	}
	return params
}

// reasoningEffort maps a thinking token budget onto the coarse effort levels
// reasoning models accept. Zero leaves the model default.
func reasoningEffort(budget int) openai.ReasoningEffort {
	switch {
	case budget <= 0:
		return ""
	case budget < 4096:
		return openai.ReasoningEffortLow
	case budget < 16384:
		return openai.ReasoningEffortMedium
	default:
		return openai.ReasoningEffortHigh
	}
}
