package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

type fakeAgents struct {
	byNumber map[string]orchestrator.AgentConfig
	byID     map[string]orchestrator.AgentConfig
}

func (f *fakeAgents) ResolveByNumber(ctx context.Context, toNumber string) (orchestrator.AgentConfig, error) {
	a, ok := f.byNumber[toNumber]
	if !ok {
		return orchestrator.AgentConfig{}, errors.New("not found")
	}
	return a, nil
}

func (f *fakeAgents) ResolveByID(ctx context.Context, agentID string) (orchestrator.AgentConfig, error) {
	a, ok := f.byID[agentID]
	if !ok {
		return orchestrator.AgentConfig{}, errors.New("not found")
	}
	return a, nil
}

type fakeStore struct{}

func (f *fakeStore) Get(ctx context.Context, call string, field orchestrator.SessionStoreField) (string, error) {
	return "", nil
}
func (f *fakeStore) Set(ctx context.Context, call string, field orchestrator.SessionStoreField, value string, ttlSeconds int) error {
	return nil
}
func (f *fakeStore) AppendSegment(ctx context.Context, call string, segment orchestrator.TranscriptSegment) error {
	return nil
}
func (f *fakeStore) Clear(ctx context.Context, call string) error { return nil }

type fakeSink struct{}

func (f *fakeSink) AppendSegment(ctx context.Context, segment orchestrator.TranscriptSegment) error {
	return nil
}
func (f *fakeSink) UpsertCall(ctx context.Context, record orchestrator.CallRecord) error { return nil }
func (f *fakeSink) Close() error                                                         { return nil }

type fakeInitiator struct {
	callID string
	err    error
}

func (f *fakeInitiator) InitiateCall(ctx context.Context, fromNumber, toNumber string, clientState map[string]interface{}) (string, error) {
	return f.callID, f.err
}

type fakeSTT struct{}

func (f *fakeSTT) Name() string { return "fake-stt" }
func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	return "", nil
}
func (f *fakeSTT) StreamRecognize(ctx context.Context, cfg orchestrator.AgentConfig, events chan<- orchestrator.RecognitionEvent) (chan<- []byte, error) {
	audioIn := make(chan []byte, 1)
	go func() {
		for range audioIn {
		}
	}()
	return audioIn, nil
}

type fakeLLM struct{}

func (f *fakeLLM) Name() string { return "fake-llm" }
func (f *fakeLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return "ok", nil
}
func (f *fakeLLM) StartChat(ctx context.Context, systemPrompt string, history []orchestrator.Message) (orchestrator.ChatHandle, error) {
	return struct{}{}, nil
}
func (f *fakeLLM) Send(ctx context.Context, handle orchestrator.ChatHandle, message string, temperature float64, maxTokens int) (orchestrator.LLMResult, error) {
	return orchestrator.LLMResult{Text: "ok"}, nil
}

type fakeTTS struct{}

func (f *fakeTTS) Name() string { return "fake-tts" }
func (f *fakeTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return nil, nil
}
func (f *fakeTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	return nil
}
func (f *fakeTTS) Abort() error { return nil }

func newTestServer() *Server {
	services := &orchestrator.SystemServices{
		STT:    &fakeSTT{},
		LLM:    &fakeLLM{},
		TTS:    &fakeTTS{},
		Store:  &fakeStore{},
		Sink:   &fakeSink{},
		Logger: &orchestrator.NoOpLogger{},
	}
	agents := &fakeAgents{
		byNumber: map[string]orchestrator.AgentConfig{
			"+15551234567": {AgentID: "agent-1", IsActive: true},
		},
		byID: map[string]orchestrator.AgentConfig{
			"agent-1": {AgentID: "agent-1", IsActive: true},
		},
	}
	return NewServer(services, agents, &fakeInitiator{callID: "provider-call-1"})
}

func TestHandleCallWebhookNoAgentFound(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(callWebhookPayload{
		CallID:    "call-1",
		ToNumber:  "+19995550000",
		State:     "answered",
		Direction: "inbound",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["message"] != "No agent found" {
		t.Errorf("expected 'No agent found', got %q", resp["message"])
	}
}

func TestHandleCallWebhookAnswered(t *testing.T) {
	mediaServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conn.Read(r.Context())
	}))
	defer mediaServer.Close()

	s := newTestServer()
	body, _ := json.Marshal(callWebhookPayload{
		CallID:     "call-1",
		ToNumber:   "+15551234567",
		FromNumber: "+15559998888",
		MediaURL:   "ws://" + strings.TrimPrefix(mediaServer.URL, "http://"),
		State:      "answered",
		Direction:  "inbound",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["message"] != "accepted" {
		t.Errorf("expected 'accepted', got %q", resp["message"])
	}
}

func TestHandleCallWebhookEnded(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(callWebhookPayload{CallID: "call-1", State: "ended"})

	req := httptest.NewRequest(http.MethodPost, "/webhook/call", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleOutboundCallMissingFields(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(outboundCallRequest{FromNumber: "+15551234567"})

	req := httptest.NewRequest(http.MethodPost, "/calls/outbound", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleOutboundCallUnknownAgent(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(outboundCallRequest{
		FromNumber: "+15551234567",
		ToNumber:   "+15559998888",
		AIAgentID:  "nonexistent",
	})

	req := httptest.NewRequest(http.MethodPost, "/calls/outbound", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleOutboundCallProviderFailure(t *testing.T) {
	s := newTestServer()
	s.Initiator = &fakeInitiator{err: errors.New("provider unreachable")}
	body, _ := json.Marshal(outboundCallRequest{
		FromNumber: "+15551234567",
		ToNumber:   "+15559998888",
		AIAgentID:  "agent-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/calls/outbound", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandleOutboundCallSuccess(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(outboundCallRequest{
		FromNumber: "+15551234567",
		ToNumber:   "+15559998888",
		AIAgentID:  "agent-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/calls/outbound", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["call_id"] != "provider-call-1" {
		t.Errorf("expected provider-call-1, got %q", resp["call_id"])
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer()
	s.Services.STT = nil
	s.Services.LLM = nil
	s.Services.TTS = nil

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when all services are down, got %d", rec.Code)
	}
	var resp healthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Services["stt"] != healthDown {
		t.Errorf("expected stt down, got %s", resp.Services["stt"])
	}
}
