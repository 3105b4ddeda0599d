package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

func TestDeepgramSTTStreamRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			t.Errorf("expected Authorization header, got %q", r.Header.Get("Authorization"))
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		ctx := r.Context()
		_, _, err = conn.Read(ctx)
		if err != nil {
			return
		}

		wsjson.Write(ctx, conn, map[string]interface{}{"type": "SpeechStarted"})
		wsjson.Write(ctx, conn, map[string]interface{}{
			"type":         "Results",
			"channel":      map[string]interface{}{"alternatives": []map[string]interface{}{{"transcript": "hel", "confidence": 0.4}}},
			"is_final":     false,
			"speech_final": false,
		})
		wsjson.Write(ctx, conn, map[string]interface{}{
			"type":         "Results",
			"channel":      map[string]interface{}{"alternatives": []map[string]interface{}{{"transcript": "hello there", "confidence": 0.97}}},
			"is_final":     true,
			"speech_final": true,
			"duration":     1.5,
		})
	}))
	defer server.Close()

	s := &DeepgramSTT{
		apiKey:    "test-key",
		streamURL: "ws://" + strings.TrimPrefix(server.URL, "http://") + "/v1/listen",
	}

	events := make(chan orchestrator.RecognitionEvent, 8)
	audioIn, err := s.StreamRecognize(context.Background(), orchestrator.DefaultAgentConfig(), events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	audioIn <- []byte{1, 2, 3}
	close(audioIn)

	var kinds []orchestrator.RecognitionKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 4 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == orchestrator.RecognitionFinalTranscript {
				if ev.Text != "hello there" {
					t.Errorf("expected final transcript 'hello there', got %q", ev.Text)
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}

	if kinds[0] != orchestrator.RecognitionSpeechStarted {
		t.Errorf("expected first event speech_started, got %s", kinds[0])
	}
	if kinds[1] != orchestrator.RecognitionInterimTranscript {
		t.Errorf("expected second event interim_transcript, got %s", kinds[1])
	}
	if kinds[2] != orchestrator.RecognitionFinalTranscript {
		t.Errorf("expected third event final_transcript, got %s", kinds[2])
	}
	if kinds[3] != orchestrator.RecognitionClosed {
		t.Errorf("expected fourth event closed, got %s", kinds[3])
	}
}
