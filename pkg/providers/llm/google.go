package llm

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// GoogleLLM adapts google.golang.org/genai's Gemini API to
// LLMProvider/ChatLLMProvider (spec.md §4.4).
type GoogleLLM struct {
	apiKey string
	url    string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{apiKey: apiKey, model: model}
}

func (l *GoogleLLM) clientFor(ctx context.Context) (*genai.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  l.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if l.url != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: l.url}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	l.client = client
	return l.client, nil
}

func convertGoogleMessages(messages []orchestrator.Message) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}, Role: "user"}
		case "assistant":
			contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: m.Content}}, Role: "model"})
		default:
			contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: m.Content}}, Role: "user"})
		}
	}
	return contents, system
}

func (l *GoogleLLM) complete(ctx context.Context, messages []orchestrator.Message, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	client, err := l.clientFor(ctx)
	if err != nil {
		return orchestrator.LLMResult{}, err
	}

	contents, system := convertGoogleMessages(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != nil {
		cfg.SystemInstruction = system
	}
	if temperature > 0 {
		t := float32(temperature)
		cfg.Temperature = &t
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}

	resp, err := client.Models.GenerateContent(ctx, l.model, contents, cfg)
	if err != nil {
		return orchestrator.LLMResult{}, fmt.Errorf("google completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return orchestrator.LLMResult{}, fmt.Errorf("no response from google llm")
	}

	var text string
	var calls []orchestrator.ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
		if part.FunctionCall != nil {
			calls = append(calls, orchestrator.ToolCall{Name: part.FunctionCall.Name})
		}
	}

	result := orchestrator.LLMResult{Text: text, ToolCalls: calls}
	if resp.UsageMetadata != nil {
		result.Usage = orchestrator.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return result, nil
}

func (l *GoogleLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	result, err := l.complete(ctx, messages, 0, 0)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

type googleChatHandle struct {
	systemPrompt string
	history      []orchestrator.Message
}

func (l *GoogleLLM) StartChat(ctx context.Context, systemPrompt string, history []orchestrator.Message) (orchestrator.ChatHandle, error) {
	h := &googleChatHandle{systemPrompt: systemPrompt}
	h.history = append(h.history, history...)
	return h, nil
}

func (l *GoogleLLM) Send(ctx context.Context, handle orchestrator.ChatHandle, message string, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	h, ok := handle.(*googleChatHandle)
	if !ok {
		return orchestrator.LLMResult{}, fmt.Errorf("google: invalid chat handle type %T", handle)
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

func (l *GoogleLLM) Name() string {
	return "google-llm"
}
