package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

// ElevenLabsTTS streams synthesized audio from ElevenLabs' chunked
// text-to-speech endpoint (original_source/src/services/elevenlabs_service.py),
// reading the HTTP response body incrementally so the first chunk can reach
// the caller well inside the TTFB budget (spec.md §4.5) instead of waiting
// for the whole utterance to render.
type ElevenLabsTTS struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewElevenLabsTTS(apiKey string) *ElevenLabsTTS {
	return &ElevenLabsTTS{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		model:   "eleven_turbo_v2_5",
		client:  &http.Client{},
	}
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

func (t *ElevenLabsTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	var audio []byte
	err := t.StreamSynthesize(ctx, text, voice, lang, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (t *ElevenLabsTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	reqCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.cancel != nil {
			t.cancel = nil
		}
		t.mu.Unlock()
		cancel()
	}()

	voiceID := string(voice)
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM"
	}

	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: t.model,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return fmt.Errorf("elevenlabs: failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream", t.baseURL, voiceID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("elevenlabs: failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := t.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return reqCtx.Err()
		}
		return fmt.Errorf("elevenlabs: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elevenlabs error (status %d): %s", resp.StatusCode, string(respBody))
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if reqCtx.Err() != nil {
				return reqCtx.Err()
			}
			return fmt.Errorf("elevenlabs: stream read failed: %w", readErr)
		}
	}
}

// Abort cancels any in-flight synthesis request, unblocking the reader
// within the playback-cancellation grace window (spec.md §5).
func (t *ElevenLabsTTS) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *ElevenLabsTTS) Name() string {
	return "elevenlabs"
}
