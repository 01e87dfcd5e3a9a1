// Package anthropic implements agent.Engine on the Anthropic Messages API.
//
// Each user turn is one Messages.NewStreaming call carrying the session's
// conversation so far. SDK stream events map one-to-one onto agent events.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/HyphaGroup/conduit/internal/agent"
)

const (
	// DefaultModel is used when neither the launch nor the config names one.
	DefaultModel = "claude-sonnet-4-5"

	// DefaultMaxTokens caps each reply.
	DefaultMaxTokens = 8192

	// MinThinkingBudget is the smallest budget the API accepts.
	MinThinkingBudget = 1024
)

// MessagesClient is the subset of the SDK messages service the engine uses.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
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
	msg         MessagesClient
	opts        Options
	transcripts *agent.Transcripts
}

// New creates an engine around an existing messages client.
func New(msg MessagesClient, opts Options) *Engine {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Engine{
		msg:         msg,
		opts:        opts,
		transcripts: agent.NewTranscripts(opts.TranscriptTTL, opts.MaxTranscripts),
	}
}

// NewFromAPIKey builds the SDK client from opts.APIKey and opts.BaseURL.
func NewFromAPIKey(opts Options) (*Engine, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := sdk.NewClient(reqOpts...)
	return New(&client.Messages, opts), nil
}

func (e *Engine) Name() string { return string(agent.EngineTypeAnthropic) }

// Start implements agent.Engine.
func (e *Engine) Start(ctx context.Context, opts agent.StartOptions) (agent.Session, error) {
	if opts.Input == nil {
		return nil, errors.New("anthropic: input stream is required")
	}
	return agent.StartTurnSession(opts, e, e.transcripts), nil
}

// RunTurn implements agent.TurnRunner.
func (e *Engine) RunTurn(ctx context.Context, req agent.TurnRequest, emit agent.EmitFunc) (string, error) {
	params := e.buildParams(req)
	stream := e.msg.NewStreaming(ctx, params)
	defer stream.Close()

	tr := newTranslator()
	for stream.Next() {
		for _, ev := range tr.translate(stream.Current()) {
			if err := emit(ev); err != nil {
				return tr.reply(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return tr.reply(), fmt.Errorf("anthropic stream: %w", err)
	}
	return tr.reply(), nil
}

func (e *Engine) buildParams(req agent.TurnRequest) sdk.MessageNewParams {
	model := req.Settings.Model
	if model == "" {
		model = e.opts.DefaultModel
	}
	maxTokens := int64(e.opts.MaxTokens)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.History, req.Turn),
	}
	if system := strings.TrimSpace(e.opts.SystemPrompt); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	if budget := int64(req.Settings.ThinkingBudget); budget > 0 {
		if budget < MinThinkingBudget {
			budget = MinThinkingBudget
		}
		if budget >= maxTokens {
			params.MaxTokens = budget + MinThinkingBudget
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return params
}

func buildMessages(history []agent.Exchange, turn agent.UserTurn) []sdk.MessageParam {
	msgs := make([]sdk.MessageParam, 0, 2*len(history)+1)
	for _, ex := range history {
		msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(ex.User)))
		if ex.Assistant != "" {
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(ex.Assistant)))
		}
	}
	return append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(turn.Text)))
}
