// Command voiceagentd is the real-time voice-agent orchestrator's server
// entrypoint: it loads configuration, wires the concrete provider stack
// (spec.md §4, §6), and serves the call bring-up webhook, outbound-call
// trigger, and health check over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/agents"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/calllog"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/httpapi"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/llm"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/stt"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/tts"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/sessionstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("voiceagentd: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := orchestrator.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := orchestrator.NewProductionLogger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(asRedisOptions(cfg.RedisURL))
	defer redisClient.Close()
	store := sessionstore.NewRedisStore(redisClient)

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pgPool.Close()

	sink := calllog.NewPostgresSink(pgPool, logger)
	defer sink.Close()

	directory := agents.NewDirectory(pgPool)

	sttProvider, err := wireSTT(cfg)
	if err != nil {
		return err
	}
	llmProvider, err := wireLLM(cfg)
	if err != nil {
		return err
	}
	ttsProvider, err := wireTTS(cfg)
	if err != nil {
		return err
	}

	services := &orchestrator.SystemServices{
		STT:    sttProvider,
		LLM:    llmProvider,
		TTS:    ttsProvider,
		Store:  store,
		Sink:   sink,
		Agents: directory,
		Logger: logger,
		Config: cfg.Core,
	}

	server := httpapi.NewServer(services, directory, noopInitiator{})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("voiceagentd: listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	logger.Info("voiceagentd: shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func asRedisOptions(url string) *redis.Options {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return &redis.Options{Addr: "localhost:6379"}
	}
	return opts
}

// wireSTT resolves the configured STT provider. Deepgram speaks a native
// live-transcription socket (spec.md §4.2); the other providers are batch
// APIs lifted through BatchStreamAdapter (spec.md §9, supplemented feature).
func wireSTT(cfg orchestrator.ServerConfig) (orchestrator.StreamingSTTProvider, error) {
	switch cfg.Providers.STTProvider {
	case "deepgram", "":
		return stt.NewDeepgramSTT(cfg.DeepgramAPIKey), nil
	case "assemblyai":
		return stt.NewBatchStreamAdapter(stt.NewAssemblyAISTT(cfg.AssemblyAIAPIKey)), nil
	case "openai":
		return stt.NewBatchStreamAdapter(stt.NewOpenAISTT(cfg.OpenAIAPIKey, "")), nil
	case "groq":
		return stt.NewBatchStreamAdapter(stt.NewGroqSTT(cfg.GroqAPIKey, "")), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Providers.STTProvider)
	}
}

func wireLLM(cfg orchestrator.ServerConfig) (orchestrator.ChatLLMProvider, error) {
	switch cfg.Providers.LLMProvider {
	case "anthropic", "":
		return llm.NewAnthropicLLM(cfg.AnthropicAPIKey, ""), nil
	case "openai":
		return llm.NewOpenAILLM(cfg.OpenAIAPIKey, ""), nil
	case "google":
		return llm.NewGoogleLLM(cfg.GoogleAPIKey, ""), nil
	case "groq":
		return llm.NewGroqLLM(cfg.GroqAPIKey, ""), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Providers.LLMProvider)
	}
}

func wireTTS(cfg orchestrator.ServerConfig) (orchestrator.TTSProvider, error) {
	switch cfg.Providers.TTSProvider {
	case "lokutor", "":
		return tts.NewLokutorTTS(cfg.LokutorAPIKey), nil
	case "elevenlabs":
		return tts.NewElevenLabsTTS(cfg.ElevenLabsAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Providers.TTSProvider)
	}
}

// noopInitiator stands in for the telephony-provider call-origination
// adapter, which is out of scope for this module (spec.md Non-goals).
type noopInitiator struct{}

func (noopInitiator) InitiateCall(ctx context.Context, fromNumber, toNumber string, clientState map[string]interface{}) (string, error) {
	return "", errors.New("outbound call initiation requires a telephony provider adapter")
}
