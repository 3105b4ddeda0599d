package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// AnthropicLLM adapts the Anthropic Messages API to both the one-shot
// LLMProvider.Complete form and the ChatLLMProvider StartChat/Send form
// (spec.md §4.4). The client is built lazily from apiKey/url so tests can
// point it at an httptest server without a network round trip on
// construction.
type AnthropicLLM struct {
	apiKey string
	url    string
	model  string

	mu     sync.Mutex
	client *anthropic.Client
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{apiKey: apiKey, model: model}
}

func (l *AnthropicLLM) clientFor() *anthropic.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client
	}
	opts := []option.RequestOption{option.WithAPIKey(l.apiKey)}
	if l.url != "" {
		opts = append(opts, option.WithBaseURL(l.url))
	}
	c := anthropic.NewClient(opts...)
	l.client = &c
	return l.client
}

func anthropicContentBlocks(messages []orchestrator.Message) (system string, msgs []anthropic.BetaMessageParam) {
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			msgs = append(msgs, anthropic.BetaMessageParam{
				Role:    param.NewOpt(constant.MessageRoleAssistant),
				Content: param.NewOpt([]anthropic.BetaContentBlockParamUnion{anthropic.BetaContentBlockParamOfRequestTextBlock(m.Content)}),
			})
		default:
			msgs = append(msgs, anthropic.BetaMessageParam{
				Role:    param.NewOpt(constant.MessageRoleUser),
				Content: param.NewOpt([]anthropic.BetaContentBlockParamUnion{anthropic.BetaContentBlockParamOfRequestTextBlock(m.Content)}),
			})
		}
	}
	return system, msgs
}

func (l *AnthropicLLM) complete(ctx context.Context, messages []orchestrator.Message, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	system, msgs := anthropicContentBlocks(messages)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	req := anthropic.BetaMessageNewParams{
		Model:     param.NewOpt(anthropic.BetaMessageNewParamsModelUnion{OfStr: anthropic.String(l.model)}),
		MaxTokens: param.NewOpt(int64(maxTokens)),
		Messages:  msgs,
	}
	if system != "" {
		req.System = param.NewOpt([]anthropic.BetaTextBlockParam{{Text: system}})
	}
	if temperature > 0 {
		req.Temperature = param.NewOpt(temperature)
	}

	resp, err := l.clientFor().Beta.Messages.New(ctx, req)
	if err != nil {
		return orchestrator.LLMResult{}, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var text string
	var calls []orchestrator.ToolCall
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.BetaTextBlock:
			text += b.Text
		case anthropic.BetaToolUseBlock:
			calls = append(calls, orchestrator.ToolCall{Name: b.Name})
		}
	}

	var usage orchestrator.Usage
	if resp.Usage.IsPresent() {
		u := resp.Usage.Get()
		usage = orchestrator.Usage{
			PromptTokens:     int(u.InputTokens),
			CompletionTokens: int(u.OutputTokens),
		}
	}

	return orchestrator.LLMResult{Text: text, ToolCalls: calls, Usage: usage}, nil
}

func (l *AnthropicLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	result, err := l.complete(ctx, messages, 0, 0)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// anthropicChatHandle carries the accumulated history between Send calls;
// Anthropic has no server-side session concept so the handle simply replays
// history on every turn.
type anthropicChatHandle struct {
	systemPrompt string
	history      []orchestrator.Message
}

func (l *AnthropicLLM) StartChat(ctx context.Context, systemPrompt string, history []orchestrator.Message) (orchestrator.ChatHandle, error) {
	h := &anthropicChatHandle{systemPrompt: systemPrompt}
	h.history = append(h.history, history...)
	return h, nil
}

func (l *AnthropicLLM) Send(ctx context.Context, handle orchestrator.ChatHandle, message string, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	h, ok := handle.(*anthropicChatHandle)
	if !ok {
		return orchestrator.LLMResult{}, fmt.Errorf("anthropic: invalid chat handle type %T", handle)
	}

	messages := make([]orchestrator.Message, 0, len(h.history)+2)
	if h.systemPrompt != "" {
		messages = append(messages, orchestrator.Message{Role: "system", Content: h.systemPrompt})
	}
	messages = append(messages, h.history...)
	messages = append(messages, orchestrator.Message{Role: "user", Content: message})

	result, err := l.complete(ctx, messages, temperature, maxTokens)
	if err != nil {
		return orchestrator.LLMResult{}, orchestrator.NewClassifiedError(orchestrator.LLMTransient, err)
	}

	h.history = append(h.history, orchestrator.Message{Role: "user", Content: message})
	h.history = append(h.history, orchestrator.Message{Role: "assistant", Content: result.Text})

	return result, nil
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}
