package stt

import (
	"context"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// BatchStreamAdapter lifts a batch STTProvider (AssemblyAI, OpenAI Whisper,
// Groq Whisper — none of which expose a live-transcription socket) to the
// StreamingSTTProvider interface the Session's ASR Client depends on. It
// buffers the whole utterance and transcribes once the caller closes the
// audio channel, trading interim transcripts for provider breadth.
type BatchStreamAdapter struct {
	orchestrator.STTProvider
}

func NewBatchStreamAdapter(provider orchestrator.STTProvider) *BatchStreamAdapter {
	return &BatchStreamAdapter{STTProvider: provider}
}

func (a *BatchStreamAdapter) StreamRecognize(ctx context.Context, cfg orchestrator.AgentConfig, events chan<- orchestrator.RecognitionEvent) (chan<- []byte, error) {
	audioIn := make(chan []byte, 32)

	go func() {
		defer func() {
			events <- orchestrator.RecognitionEvent{Kind: orchestrator.RecognitionClosed}
		}()

		var buf []byte
		started := false
		for chunk := range audioIn {
			if !started {
				started = true
				events <- orchestrator.RecognitionEvent{Kind: orchestrator.RecognitionSpeechStarted}
			}
			buf = append(buf, chunk...)
		}
		if len(buf) == 0 {
			return
		}

		text, err := a.Transcribe(ctx, buf, cfg.Language)
		if err != nil {
			events <- orchestrator.RecognitionEvent{Kind: orchestrator.RecognitionError}
			return
		}
		events <- orchestrator.RecognitionEvent{
			Kind: orchestrator.RecognitionFinalTranscript,
			Text: text,
		}
	}()

	return audioIn, nil
}
