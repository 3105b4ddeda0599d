package orchestrator

import "context"

// SessionStoreField names the namespaced sub-keys under call:<id>:<field>
// (spec.md §6).
type SessionStoreField string

const (
	FieldAgentConfig        SessionStoreField = "agent_config"
	FieldConversationMemory SessionStoreField = "conversation_memory"
	FieldIsAISpeaking       SessionStoreField = "is_ai_speaking"
	FieldTranscriptHistory  SessionStoreField = "transcript_history"
	FieldCurrentStatus      SessionStoreField = "current_status"
	FieldQuality            SessionStoreField = "quality"
	FieldAnalytics          SessionStoreField = "analytics"
)

// SessionStore is the short-TTL key/value collaborator described in
// spec.md §4.6. Implementations must be safe for concurrent use across
// Sessions.
type SessionStore interface {
	Get(ctx context.Context, call string, field SessionStoreField) (string, error)
	Set(ctx context.Context, call string, field SessionStoreField, value string, ttlSeconds int) error
	AppendSegment(ctx context.Context, call string, segment TranscriptSegment) error
	Clear(ctx context.Context, call string) error
}

// CallLogSink is the durable append-only collaborator described in
// spec.md §4.7.
type CallLogSink interface {
	AppendSegment(ctx context.Context, segment TranscriptSegment) error
	UpsertCall(ctx context.Context, record CallRecord) error
	Close() error
}

// AgentDirectory resolves AgentConfig by number or by id — the management
// surface collaborator the spec treats as external, represented here only
// by the read-only shape the core needs from it (spec.md §1, §6).
type AgentDirectory interface {
	ResolveByNumber(ctx context.Context, toNumber string) (AgentConfig, error)
	ResolveByID(ctx context.Context, agentID string) (AgentConfig, error)
}

// SystemServices bundles every external collaborator a Session needs,
// threaded in explicitly at construction instead of reached through hidden
// package-level globals (spec.md §9, "Replace hidden global singletons").
type SystemServices struct {
	STT     StreamingSTTProvider
	LLM     ChatLLMProvider
	TTS     TTSProvider
	Store   SessionStore
	Sink    CallLogSink
	Agents  AgentDirectory
	Logger  Logger
	Config  Config
}
