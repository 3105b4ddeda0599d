package llm

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// OpenAILLM adapts sashabaranov/go-openai's chat completion API to
// LLMProvider/ChatLLMProvider (spec.md §4.4).
type OpenAILLM struct {
	apiKey string
	url    string
	model  string

	mu     sync.Mutex
	client *openai.Client
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{apiKey: apiKey, model: model}
}

func (l *OpenAILLM) clientFor() *openai.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client
	}
	cfg := openai.DefaultConfig(l.apiKey)
	if l.url != "" {
		cfg.BaseURL = l.url
	}
	l.client = openai.NewClientWithConfig(cfg)
	return l.client
}

func toOpenAIMessages(messages []orchestrator.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (l *OpenAILLM) complete(ctx context.Context, messages []orchestrator.Message, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	req := openai.ChatCompletionRequest{
		Model:    l.model,
		Messages: toOpenAIMessages(messages),
	}
	if temperature > 0 {
		req.Temperature = float32(temperature)
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	resp, err := l.clientFor().CreateChatCompletion(ctx, req)
	if err != nil {
		return orchestrator.LLMResult{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return orchestrator.LLMResult{}, fmt.Errorf("no choices returned from openai")
	}

	var calls []orchestrator.ToolCall
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		calls = append(calls, orchestrator.ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	return orchestrator.LLMResult{
		Text:      resp.Choices[0].Message.Content,
		ToolCalls: calls,
		Usage: orchestrator.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (l *OpenAILLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	result, err := l.complete(ctx, messages, 0, 0)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

type openAIChatHandle struct {
	systemPrompt string
	history      []orchestrator.Message
}

func (l *OpenAILLM) StartChat(ctx context.Context, systemPrompt string, history []orchestrator.Message) (orchestrator.ChatHandle, error) {
	h := &openAIChatHandle{systemPrompt: systemPrompt}
	h.history = append(h.history, history...)
	return h, nil
}

func (l *OpenAILLM) Send(ctx context.Context, handle orchestrator.ChatHandle, message string, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	h, ok := handle.(*openAIChatHandle)
	if !ok {
		return orchestrator.LLMResult{}, fmt.Errorf("openai: invalid chat handle type %T", handle)
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

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}
