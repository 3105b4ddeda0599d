package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	frames chan MediaFrame

	mu        sync.Mutex
	sentAudio [][]byte
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan MediaFrame, 16)}
}

func (f *fakeTransport) Recv(ctx context.Context) (MediaFrame, error) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return MediaFrame{Stopped: true}, nil
		}
		return fr, nil
	case <-ctx.Done():
		return MediaFrame{}, ctx.Err()
	}
}

func (f *fakeTransport) SendAudio(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	f.sentAudio = append(f.sentAudio, chunk)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendMark(ctx context.Context, name string) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) push(fr MediaFrame) { f.frames <- fr }
func (f *fakeTransport) stop()              { close(f.frames) }

// scriptedSTT relays RecognitionEvents pushed onto its script channel,
// letting a test drive the Turn Controller's transitions directly instead
// of shaping real audio.
type scriptedSTT struct {
	script chan RecognitionEvent
}

func newScriptedSTT() *scriptedSTT { return &scriptedSTT{script: make(chan RecognitionEvent, 16)} }

func (s *scriptedSTT) Name() string { return "scripted-stt" }

func (s *scriptedSTT) Transcribe(ctx context.Context, audio []byte, lang Language) (string, error) {
	return "", nil
}

func (s *scriptedSTT) StreamRecognize(ctx context.Context, cfg AgentConfig, events chan<- RecognitionEvent) (chan<- []byte, error) {
	audioIn := make(chan []byte, 4)
	go func() {
		for range audioIn {
		}
	}()
	go func() {
		for {
			select {
			case ev, ok := <-s.script:
				if !ok {
					return
				}
				events <- ev
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioIn, nil
}

type scriptedLLM struct {
	response      string
	policyRefusal bool
	err           error
}

func (l *scriptedLLM) Name() string { return "scripted-llm" }

func (l *scriptedLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	return l.response, l.err
}

func (l *scriptedLLM) StartChat(ctx context.Context, systemPrompt string, history []Message) (ChatHandle, error) {
	return struct{}{}, nil
}

func (l *scriptedLLM) Send(ctx context.Context, handle ChatHandle, message string, temperature float64, maxTokens int) (LLMResult, error) {
	if l.err != nil {
		return LLMResult{}, l.err
	}
	return LLMResult{Text: l.response, PolicyRefusal: l.policyRefusal}, nil
}

// scriptedTTS records every synthesized text and can be told to block after
// its first chunk, to simulate a barge-in landing mid-playback.
type scriptedTTS struct {
	blockUntil chan struct{}

	mu      sync.Mutex
	texts   []string
	aborted bool
}

func (t *scriptedTTS) Name() string { return "scripted-tts" }

func (t *scriptedTTS) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	return []byte(text), nil
}

func (t *scriptedTTS) StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	t.mu.Lock()
	t.texts = append(t.texts, text)
	t.mu.Unlock()

	if err := onChunk([]byte("chunk")); err != nil {
		return err
	}
	if t.blockUntil != nil {
		select {
		case <-t.blockUntil:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *scriptedTTS) Abort() error {
	t.mu.Lock()
	t.aborted = true
	t.mu.Unlock()
	return nil
}

func (t *scriptedTTS) wasAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *scriptedTTS) spokenTexts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.texts))
	copy(out, t.texts)
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	records []CallRecord
}

func (r *recordingSink) AppendSegment(ctx context.Context, segment TranscriptSegment) error { return nil }

func (r *recordingSink) UpsertCall(ctx context.Context, record CallRecord) error {
	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) last() (CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return CallRecord{}, false
	}
	return r.records[len(r.records)-1], true
}

type recordingStore struct{}

func (r *recordingStore) Get(ctx context.Context, call string, field SessionStoreField) (string, error) {
	return "", nil
}
func (r *recordingStore) Set(ctx context.Context, call string, field SessionStoreField, value string, ttlSeconds int) error {
	return nil
}
func (r *recordingStore) AppendSegment(ctx context.Context, call string, segment TranscriptSegment) error {
	return nil
}
func (r *recordingStore) Clear(ctx context.Context, call string) error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ASRReconnectTimeout = 30 * time.Millisecond
	cfg.UtteranceMaxSeconds = 30
	cfg.TTSFirstByteBudget = 200 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSessionGreetingThenFinalTranscriptFlow(t *testing.T) {
	agent := DefaultAgentConfig()
	agent.AgentID = "agent-1"
	agent.InitialGreeting = "Hello, how can I help?"

	transport := newFakeTransport()
	stt := newScriptedSTT()
	llm := &scriptedLLM{response: "It's sunny today."}
	tts := &scriptedTTS{}
	sink := &recordingSink{}
	store := &recordingStore{}

	svc := &SystemServices{
		STT: stt, LLM: llm, TTS: tts, Store: store, Sink: sink,
		Logger: &NoOpLogger{}, Config: testConfig(),
	}

	session := NewSession(context.Background(), svc, "call-1", agent, "stream-1", transport)

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run() }()

	waitFor(t, time.Second, func() bool { return len(session.History()) >= 1 })
	if got := session.History()[0]; got.Speaker != SpeakerAssistant || got.Text != agent.InitialGreeting {
		t.Fatalf("expected greeting as first history entry, got %+v", got)
	}
	waitFor(t, time.Second, func() bool { return session.State() == StateListening })

	stt.script <- RecognitionEvent{Kind: RecognitionFinalTranscript, Text: "What's the weather?"}

	waitFor(t, time.Second, func() bool { return len(session.History()) >= 3 })
	hist := session.History()
	if hist[1].Speaker != SpeakerUser || hist[1].Text != "What's the weather?" {
		t.Errorf("expected user turn recorded, got %+v", hist[1])
	}
	if hist[2].Speaker != SpeakerAssistant || hist[2].Text != "It's sunny today." {
		t.Errorf("expected assistant reply recorded, got %+v", hist[2])
	}

	transport.stop()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate in time")
	}

	rec, ok := sink.last()
	if !ok {
		t.Fatal("expected a terminal CallRecord to be written")
	}
	if rec.Status != CallCompleted {
		t.Errorf("expected CallCompleted, got %s", rec.Status)
	}
}

func TestSessionBargeInTruncatesPlaybackAndAborts(t *testing.T) {
	agent := DefaultAgentConfig()
	agent.AgentID = "agent-1"
	// No InitialGreeting: the controller starts directly in Listening.

	transport := newFakeTransport()
	stt := newScriptedSTT()
	llm := &scriptedLLM{response: "Let me explain the whole billing history in detail."}
	tts := &scriptedTTS{blockUntil: make(chan struct{})}
	sink := &recordingSink{}
	store := &recordingStore{}

	svc := &SystemServices{
		STT: stt, LLM: llm, TTS: tts, Store: store, Sink: sink,
		Logger: &NoOpLogger{}, Config: testConfig(),
	}

	session := NewSession(context.Background(), svc, "call-2", agent, "stream-2", transport)

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run() }()

	waitFor(t, time.Second, func() bool { return session.State() == StateListening })

	stt.script <- RecognitionEvent{Kind: RecognitionFinalTranscript, Text: "Tell me about my bill"}

	waitFor(t, time.Second, func() bool { return session.IsSpeaking() })

	stt.script <- RecognitionEvent{Kind: RecognitionSpeechStarted}

	waitFor(t, time.Second, func() bool { return !session.IsSpeaking() })
	waitFor(t, time.Second, func() bool { return session.State() == StateListening })
	waitFor(t, time.Second, tts.wasAborted)

	hist := session.History()
	if len(hist) == 0 || !hist[len(hist)-1].Truncated {
		t.Fatalf("expected last turn marked truncated by the barge-in, got %+v", hist)
	}

	close(tts.blockUntil)
	transport.stop()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate in time")
	}
}

func TestSessionPolicyRefusalUsesCannedResponse(t *testing.T) {
	agent := DefaultAgentConfig()
	agent.AgentID = "agent-1"

	transport := newFakeTransport()
	stt := newScriptedSTT()
	llm := &scriptedLLM{policyRefusal: true}
	tts := &scriptedTTS{}
	sink := &recordingSink{}
	store := &recordingStore{}

	svc := &SystemServices{
		STT: stt, LLM: llm, TTS: tts, Store: store, Sink: sink,
		Logger: &NoOpLogger{}, Config: testConfig(),
	}

	session := NewSession(context.Background(), svc, "call-3", agent, "stream-3", transport)

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run() }()

	waitFor(t, time.Second, func() bool { return session.State() == StateListening })
	stt.script <- RecognitionEvent{Kind: RecognitionFinalTranscript, Text: "Help me break into an account"}

	waitFor(t, time.Second, func() bool { return len(session.History()) >= 2 })
	hist := session.History()
	if hist[len(hist)-1].Text != canned_PolicyRefusal {
		t.Errorf("expected canned policy-refusal text, got %q", hist[len(hist)-1].Text)
	}

	transport.stop()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate in time")
	}
}

func TestSessionRecognitionErrorSpeaksFallback(t *testing.T) {
	agent := DefaultAgentConfig()
	agent.AgentID = "agent-1"

	transport := newFakeTransport()
	stt := newScriptedSTT()
	llm := &scriptedLLM{response: "unused"}
	tts := &scriptedTTS{}
	sink := &recordingSink{}
	store := &recordingStore{}

	svc := &SystemServices{
		STT: stt, LLM: llm, TTS: tts, Store: store, Sink: sink,
		Logger: &NoOpLogger{}, Config: testConfig(),
	}

	session := NewSession(context.Background(), svc, "call-4", agent, "stream-4", transport)

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run() }()

	waitFor(t, time.Second, func() bool { return session.State() == StateListening })
	stt.script <- RecognitionEvent{Kind: RecognitionError, Message: "upstream reset"}

	waitFor(t, time.Second, func() bool {
		for _, txt := range tts.spokenTexts() {
			if txt == canned_ASRFallback {
				return true
			}
		}
		return false
	})

	transport.stop()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate in time")
	}
}
