package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

type DeepgramSTT struct {
	apiKey    string
	url       string
	streamURL string
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:    apiKey,
		url:       "https://api.deepgram.com/v1/listen",
		streamURL: "wss://api.deepgram.com/v1/listen",
	}
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

func (s *DeepgramSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", err
	}

	params := u.Query()
	params.Set("model", "nova-2")
	params.Set("smart_format", "true")
	if lang != "" {
		params.Set("language", string(lang))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "audio/l16; rate=44100; channels=1") // Adjust rate based on usage or inject it

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}

	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}

type deepgramLiveMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Duration    float64 `json:"duration"`
}

// StreamRecognize opens one persistent Deepgram live-transcription
// connection for the call (spec.md §4.2), translating Deepgram's Results and
// SpeechStarted frames into RecognitionEvents; other frame types, such as
// UtteranceEnd, are ignored. The returned
// channel is the caller's handle for pushing raw PCM; closing it signals
// end-of-stream to the recognizer.
func (s *DeepgramSTT) StreamRecognize(ctx context.Context, cfg orchestrator.AgentConfig, events chan<- orchestrator.RecognitionEvent) (chan<- []byte, error) {
	u, err := url.Parse(s.streamURL)
	if err != nil {
		return nil, err
	}
	params := u.Query()
	if cfg.ASRModel != "" {
		params.Set("model", cfg.ASRModel)
	} else {
		params.Set("model", "nova-2")
	}
	params.Set("punctuate", fmt.Sprintf("%t", cfg.Punctuate))
	params.Set("diarize", fmt.Sprintf("%t", cfg.Diarize))
	if cfg.Language != "" {
		params.Set("language", string(cfg.Language))
	}
	if cfg.VADTurnoffMS > 0 {
		params.Set("endpointing", fmt.Sprintf("%d", cfg.VADTurnoffMS))
	}
	u.RawQuery = params.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+s.apiKey)
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("deepgram stream dial failed: %w", err)
	}

	audioIn := make(chan []byte, 32)

	go func() {
		for chunk := range audioIn {
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
		// end-of-stream marker Deepgram expects on graceful close
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	}()

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "recognizer closed")
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				events <- orchestrator.RecognitionEvent{Kind: orchestrator.RecognitionClosed}
				return
			}

			var msg deepgramLiveMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}

			switch msg.Type {
			case "SpeechStarted":
				events <- orchestrator.RecognitionEvent{Kind: orchestrator.RecognitionSpeechStarted}
			case "Results":
				if len(msg.Channel.Alternatives) == 0 {
					continue
				}
				alt := msg.Channel.Alternatives[0]
				if msg.IsFinal || msg.SpeechFinal {
					events <- orchestrator.RecognitionEvent{
						Kind:       orchestrator.RecognitionFinalTranscript,
						Text:       alt.Transcript,
						Duration:   time.Duration(msg.Duration * float64(time.Second)),
						Confidence: alt.Confidence,
					}
				} else {
					events <- orchestrator.RecognitionEvent{
						Kind: orchestrator.RecognitionInterimTranscript,
						Text: alt.Transcript,
					}
				}
			}
		}
	}()

	return audioIn, nil
}
