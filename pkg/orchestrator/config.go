package orchestrator

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderSelection names which concrete provider implementation backs each
// collaborator, resolved from configuration rather than compiled in.
type ProviderSelection struct {
	STTProvider string // "deepgram", "assemblyai", "openai", "groq"
	LLMProvider string // "anthropic", "openai", "google", "groq"
	TTSProvider string // "lokutor", "elevenlabs"
}

// ServerConfig is the process-level configuration loaded at startup. It
// mirrors the environment variable names the original Python service used
// (src/config.py) so existing deployment runbooks carry over unchanged.
type ServerConfig struct {
	ListenAddr string

	RedisURL   string
	PostgresDSN string

	WebhookURLBase string

	DeepgramAPIKey   string
	AssemblyAIAPIKey string
	OpenAIAPIKey     string
	GroqAPIKey       string
	AnthropicAPIKey  string
	GoogleAPIKey     string
	LokutorAPIKey    string
	ElevenLabsAPIKey string

	Providers ProviderSelection
	Core      Config
}

// LoadServerConfig reads configuration from the environment (and an
// optional .env file via godotenv, loaded by the caller before this runs),
// using viper the way lookatitude-beluga-ai wires its settings loader.
func LoadServerConfig() (ServerConfig, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("signalwire_webhook_url_base", "")
	v.SetDefault("stt_provider", "deepgram")
	v.SetDefault("llm_provider", "anthropic")
	v.SetDefault("tts_provider", "lokutor")
	v.SetDefault("audio_sample_rate", DefaultConfig().SampleRate)

	core := DefaultConfig()
	core.SampleRate = v.GetInt("audio_sample_rate")

	cfg := ServerConfig{
		ListenAddr:  v.GetString("listen_addr"),
		RedisURL:    v.GetString("redis_url"),
		PostgresDSN: v.GetString("postgres_dsn"),

		WebhookURLBase: v.GetString("signalwire_webhook_url_base"),

		DeepgramAPIKey:   v.GetString("deepgram_api_key"),
		AssemblyAIAPIKey: v.GetString("assemblyai_api_key"),
		OpenAIAPIKey:     v.GetString("openai_api_key"),
		GroqAPIKey:       v.GetString("groq_api_key"),
		AnthropicAPIKey:  v.GetString("anthropic_api_key"),
		GoogleAPIKey:     v.GetString("google_api_key"),
		LokutorAPIKey:    v.GetString("lokutor_api_key"),
		ElevenLabsAPIKey: v.GetString("elevenlabs_api_key"),

		Providers: ProviderSelection{
			STTProvider: v.GetString("stt_provider"),
			LLMProvider: v.GetString("llm_provider"),
			TTSProvider: v.GetString("tts_provider"),
		},
		Core: core,
	}

	return cfg, nil
}

// The TTL* values mirror the original Redis client's per-field TTLs
// (src/redis_client.py), kept as named constants rather than magic numbers
// scattered across the Session Store implementation.
var (
	TTLAgentConfig        = 24 * time.Hour
	TTLConversationMemory = time.Hour
	TTLSpeakingFlag       = time.Hour
	TTLCurrentStatus      = time.Hour
	TTLHealth             = 5 * time.Minute
)
