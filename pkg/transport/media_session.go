package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// MediaSession wraps one bidirectional WebSocket connection to a caller's
// telephony or browser media socket and implements orchestrator.Transport.
// Ingress and Egress each hold their own handle per spec.md §4.1 ("neither
// owns the transport"); MediaSession itself only tracks closedness so both
// sides can detect peer closure independently.
type MediaSession struct {
	conn      *websocket.Conn
	streamSID string

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewMediaSession(conn *websocket.Conn, streamSID string) *MediaSession {
	return &MediaSession{conn: conn, streamSID: streamSID}
}

// AcceptMediaSession upgrades an inbound HTTP request to a WebSocket media
// session, e.g. when this process hosts the media_url the webhook points
// callers at.
func AcceptMediaSession(w http.ResponseWriter, r *http.Request) (*MediaSession, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("accept media websocket: %w", err)
	}
	return NewMediaSession(conn, ""), nil
}

// DialMediaSession opens an outbound WebSocket connection to a caller's
// media_url (the original Python system's _connect_and_handle_media).
func DialMediaSession(ctx context.Context, url string) (*MediaSession, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial media session: %w", err)
	}
	return NewMediaSession(conn, ""), nil
}

func (m *MediaSession) Recv(ctx context.Context) (orchestrator.MediaFrame, error) {
	if m.closed.Load() {
		return orchestrator.MediaFrame{Stopped: true}, nil
	}

	var env Envelope
	if err := wsjson.Read(ctx, m.conn, &env); err != nil {
		m.closed.Store(true)
		return orchestrator.MediaFrame{Stopped: true}, err
	}

	switch env.Event {
	case EventMedia:
		if env.Media == nil {
			return orchestrator.MediaFrame{}, fmt.Errorf("media frame missing payload")
		}
		raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return orchestrator.MediaFrame{}, fmt.Errorf("invalid base64 media payload: %w", err)
		}
		if env.StreamSID != "" {
			m.streamSID = env.StreamSID
		}
		return orchestrator.MediaFrame{Audio: raw}, nil
	case EventStop:
		m.closed.Store(true)
		return orchestrator.MediaFrame{Stopped: true}, nil
	case EventError:
		return orchestrator.MediaFrame{Err: fmt.Errorf("peer error: %s", env.Error)}, nil
	case EventMark, EventConnect:
		// informational frames; caller loop simply reads the next one
		return orchestrator.MediaFrame{}, nil
	default:
		return orchestrator.MediaFrame{}, nil
	}
}

func (m *MediaSession) SendAudio(ctx context.Context, chunk []byte) error {
	if m.closed.Load() {
		return fmt.Errorf("media session closed")
	}
	payload := base64.StdEncoding.EncodeToString(chunk)
	env := NewMediaEnvelope(m.streamSID, payload)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsjson.Write(ctx, m.conn, env)
}

func (m *MediaSession) SendMark(ctx context.Context, name string) error {
	if m.closed.Load() {
		return fmt.Errorf("media session closed")
	}
	env := NewMarkEnvelope(m.streamSID, name)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsjson.Write(ctx, m.conn, env)
}

func (m *MediaSession) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.conn.Close(websocket.StatusNormalClosure, "session ended")
}

// SendConnect negotiates the codec on session start (mirrors the original
// Python client's outbound "connect" envelope).
func (m *MediaSession) SendConnect(ctx context.Context, codecName string, sampleRate, channels int) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsjson.Write(ctx, m.conn, NewConnectEnvelope(codecName, sampleRate, channels))
}
