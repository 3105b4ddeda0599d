package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Logger is the structured logging surface used throughout the orchestrator.
// The default implementation backing it is zap-based (see logger.go);
// NoOpLogger remains available for tests that don't care about log output.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// STTProvider performs one-shot batch transcription of a complete audio buffer.
type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, lang Language) (string, error)
	Name() string
}

// StreamingSTTProvider maintains a persistent recognizer connection, pushing
// RecognitionEvents as the recognizer emits them. The returned channel is
// the caller's handle to feed raw PCM; closing it signals end-of-stream to
// the recognizer.
type StreamingSTTProvider interface {
	STTProvider
	StreamRecognize(ctx context.Context, cfg AgentConfig, events chan<- RecognitionEvent) (chan<- []byte, error)
}

// LLMProvider is the simple one-shot completion form used by the batch
// Orchestrator facade and by providers that don't need a persistent handle.
type LLMProvider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// ChatLLMProvider extends LLMProvider with the chat-session abstraction
// from spec §4.4: StartChat returns an opaque handle, Send carries one turn
// of the conversation and returns the classified result. The real-time
// Session (session.go) is built against this richer interface; the batch
// facade only ever needs LLMProvider.
type ChatLLMProvider interface {
	LLMProvider
	StartChat(ctx context.Context, systemPrompt string, history []Message) (ChatHandle, error)
	Send(ctx context.Context, handle ChatHandle, message string, temperature float64, maxTokens int) (LLMResult, error)
}

// ChatHandle is opaque; a provider implementation may embed a live
// connection or simply replay history on every Send.
type ChatHandle interface{}

// LLMResult is the classified outcome of one LLM turn.
type LLMResult struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	PolicyRefusal bool
}

type ToolCall struct {
	Name      string
	Arguments string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// TTSProvider exposes synthesize/stream-synthesize plus an Abort hook used
// by the Turn Controller's barge-in path to unblock a slow underlying
// stream within the playback-cancellation grace window.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error)
	StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error
	Abort() error
	Name() string
}

type EventType string

const (
	UserSpeaking      EventType = "USER_SPEAKING"
	UserStopped       EventType = "USER_STOPPED"
	TranscriptPartial EventType = "TRANSCRIPT_PARTIAL"
	TranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	BotThinking       EventType = "BOT_THINKING"
	BotSpeaking       EventType = "BOT_SPEAKING"
	Interrupted       EventType = "INTERRUPTED"
	AudioChunk        EventType = "AUDIO_CHUNK"
	ErrorEvent        EventType = "ERROR"
)

// OrchestratorEvent is the observability/event-sourcing envelope consumed
// by the CLI and by test harnesses watching a Session's Events() channel.
type OrchestratorEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)

type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config carries the ambient, process-wide defaults. Per-call behavior
// (voice, language, prompts) comes from AgentConfig instead; Config supplies
// the fallbacks and the audio framing/timeout knobs that apply before an
// AgentConfig is resolved.
type Config struct {
	SampleRate         int
	Channels           int
	BytesPerSamp       int
	MaxContextMessages int
	VoiceStyle         Voice
	Language           Language
	STTTimeout         uint
	LLMTimeout         uint
	TTSTimeout         uint

	// Ambient/domain knobs added for the full real-time pipeline.
	UtteranceMaxSeconds    int           // soft cap before latest interim is treated as final
	CallInactivityTimeout  time.Duration // per-call inactivity cap
	TTSFirstByteBudget     time.Duration // TTFB budget before falling back to silence
	LLMRequestTimeout      time.Duration
	ASRReconnectTimeout    time.Duration
	PlaybackCancelGrace    time.Duration // hot-path barge-in cancellation budget
	TaskShutdownGrace      time.Duration // generic child-task cancellation grace
}

func DefaultConfig() Config {
	return Config{
		SampleRate:         44100,
		Channels:           1,
		BytesPerSamp:       2,
		MaxContextMessages: 20,
		VoiceStyle:         VoiceF1,
		Language:           LanguageEn,
		STTTimeout:         30,
		LLMTimeout:         60,
		TTSTimeout:         30,

		UtteranceMaxSeconds:   30,
		CallInactivityTimeout: 10 * time.Minute,
		TTSFirstByteBudget:    800 * time.Millisecond,
		LLMRequestTimeout:     15 * time.Second,
		ASRReconnectTimeout:   5 * time.Second,
		PlaybackCancelGrace:   100 * time.Millisecond,
		TaskShutdownGrace:     2 * time.Second,
	}
}

// ConversationSession is the plain conversation-memory primitive used by the
// batch/offline Orchestrator facade (orchestrator.go, conversation.go) — a
// rolling window of Messages with no call/transport concept attached. The
// real-time per-call state lives in Session (session.go), which embeds the
// richer TurnRecord history the wire spec demands.
type ConversationSession struct {
	mu              sync.RWMutex
	ID              string
	Context         []Message
	LastUser        string
	LastAssistant   string
	MaxMessages     int
	CurrentVoice    Voice
	CurrentLanguage Language
}

func NewConversationSession(userID string) *ConversationSession {
	return &ConversationSession{
		ID:              userID,
		Context:         []Message{},
		MaxMessages:     20,
		CurrentVoice:    VoiceF1,
		CurrentLanguage: LanguageEn,
	}
}

func (s *ConversationSession) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = append(s.Context, Message{Role: role, Content: content})
	if len(s.Context) > s.MaxMessages {
		s.Context = s.Context[len(s.Context)-s.MaxMessages:]
	}
	if role == "user" {
		s.LastUser = content
	} else if role == "assistant" {
		s.LastAssistant = content
	}
}

func (s *ConversationSession) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context = []Message{}
	s.LastUser = ""
	s.LastAssistant = ""
}

func (s *ConversationSession) GetContextCopy() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contextCopy := make([]Message, len(s.Context))
	copy(contextCopy, s.Context)
	return contextCopy
}

func (s *ConversationSession) GetCurrentVoice() Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentVoice
}

func (s *ConversationSession) GetCurrentLanguage() Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CurrentLanguage
}

// --- Real-time call data model (spec.md §3) ---

// Speaker identifies the author of a TurnRecord.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// TurnRecord is one element of a call's conversation history. History is
// append-only for the lifetime of a call.
type TurnRecord struct {
	Speaker       Speaker
	Text          string
	TimestampMS   int64
	ASRDurationMS int64 `json:",omitempty"`
	TokenCount    int   `json:",omitempty"`
	Confidence    float64 `json:",omitempty"`
	Truncated     bool    // set when a barge-in cut this turn short
}

// RecognitionKind tags the arm of a RecognitionEvent.
type RecognitionKind string

const (
	RecognitionSpeechStarted    RecognitionKind = "speech_started"
	RecognitionInterimTranscript RecognitionKind = "interim_transcript"
	RecognitionFinalTranscript  RecognitionKind = "final_transcript"
	RecognitionError            RecognitionKind = "error"
	RecognitionClosed           RecognitionKind = "closed"
)

// RecognitionEvent is the tagged variant emitted by the ASR Client. Only the
// fields relevant to Kind are populated.
type RecognitionEvent struct {
	Kind       RecognitionKind
	Text       string        // InterimTranscript / FinalTranscript
	Duration   time.Duration // FinalTranscript
	Confidence float64       // FinalTranscript
	ErrKind    ErrorKind     // Error
	Message    string        // Error
}

// AgentConfig is the immutable-after-start snapshot loaded when a Session
// begins. It is owned by the Session; later changes to the underlying
// management-surface record never affect a live call.
type AgentConfig struct {
	AgentID            string
	VoiceID             Voice
	VoiceStyle          map[string]interface{}
	Language            Language
	ASRModel            string
	Punctuate           bool
	Diarize             bool
	VADTurnoffMS        int
	SystemPrompt        string
	InitialGreeting     string
	ModelTemperature    float64
	Tools               []ToolSpec
	IsActive            bool
}

type ToolSpec struct {
	Name        string
	Description string
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		VoiceID:          VoiceF1,
		Language:         LanguageEn,
		ASRModel:         "nova-2",
		Punctuate:        true,
		VADTurnoffMS:     700,
		ModelTemperature: 0.9,
		IsActive:         true,
	}
}

// TranscriptSegment is the durable per-turn record written to the Call Log
// Sink. SequenceNumber is assigned by the sink, never by the controller
// (spec.md §6).
type TranscriptSegment struct {
	CallID         string
	SequenceNumber int
	Speaker        Speaker
	Text           string
	TimestampMS    int64
	ASRSeconds     float64
	TokenCount     int
}

// CallStatus is the terminal status recorded on a CallRecord.
type CallStatus string

const (
	CallAnswered      CallStatus = "answered"
	CallCompleted     CallStatus = "completed"
	CallFailed        CallStatus = "failed"
	CallEndedByPeer   CallStatus = "ended-by-peer"
	CallAbandoned     CallStatus = "abandoned"
)

type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallRecord is the durable record for the call as a whole.
type CallRecord struct {
	CallID       string
	Direction    CallDirection
	FromNumber   string
	ToNumber     string
	AgentID      string
	StartedAt    time.Time
	EndedAt      time.Time
	Status       CallStatus
	DurationSecs float64
}
