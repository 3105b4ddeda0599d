package llm

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// GroqLLM speaks Groq's OpenAI-compatible chat completion endpoint through
// the same sashabaranov/go-openai client OpenAILLM uses, pointed at Groq's
// base URL instead of OpenAI's.
type GroqLLM struct {
	apiKey string
	url    string
	model  string

	mu     sync.Mutex
	client *openai.Client
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1",
		model:  model,
	}
}

func (l *GroqLLM) clientFor() *openai.Client {
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

func (l *GroqLLM) complete(ctx context.Context, messages []orchestrator.Message, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
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
		return orchestrator.LLMResult{}, fmt.Errorf("groq completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return orchestrator.LLMResult{}, fmt.Errorf("no choices returned from groq")
	}

	return orchestrator.LLMResult{
		Text: resp.Choices[0].Message.Content,
		Usage: orchestrator.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (l *GroqLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	result, err := l.complete(ctx, messages, 0, 0)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

type groqChatHandle struct {
	systemPrompt string
	history      []orchestrator.Message
}

func (l *GroqLLM) StartChat(ctx context.Context, systemPrompt string, history []orchestrator.Message) (orchestrator.ChatHandle, error) {
	h := &groqChatHandle{systemPrompt: systemPrompt}
	h.history = append(h.history, history...)
	return h, nil
}

func (l *GroqLLM) Send(ctx context.Context, handle orchestrator.ChatHandle, message string, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	h, ok := handle.(*groqChatHandle)
	if !ok {
		return orchestrator.LLMResult{}, fmt.Errorf("groq: invalid chat handle type %T", handle)
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

func (l *GroqLLM) Name() string {
	return "groq-llm"
}
