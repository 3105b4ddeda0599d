// Package transport implements the Ingress/Egress media framing described
// in spec.md §4.1 and §6: a JSON envelope stream of connect/media/mark/stop/
// error events carrying base64-encoded PCM over a bidirectional WebSocket,
// grounded on the original Python system's SignalWire media-stream envelope
// (original_source/src/ai_orchestrator.py#_connect_and_handle_media) and
// built on the teacher's own coder/websocket dependency.
package transport

// EventTag is the `event` discriminator of a MediaEnvelope frame.
type EventTag string

const (
	EventConnect EventTag = "connect"
	EventMedia   EventTag = "media"
	EventMark    EventTag = "mark"
	EventStop    EventTag = "stop"
	EventError   EventTag = "error"
)

// Codec describes the negotiated audio format, carried on `connect`.
type Codec struct {
	Name       string `json:"name"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64-encoded audio chunk.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// MarkPayload is an opaque, client-assigned progress marker used for rate
// pacing and out-of-band synchronization.
type MarkPayload struct {
	Name string `json:"name"`
}

// Envelope is the wire shape of every frame exchanged over the media
// session. Only the fields relevant to Event are populated on any given
// frame.
type Envelope struct {
	Event     EventTag      `json:"event"`
	StreamSID string        `json:"stream_sid,omitempty"`
	Codec     *Codec        `json:"codec,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func NewMediaEnvelope(streamSID string, payloadB64 string) Envelope {
	return Envelope{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: payloadB64},
	}
}

func NewMarkEnvelope(streamSID, name string) Envelope {
	return Envelope{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
}

func NewConnectEnvelope(name string, sampleRate, channels int) Envelope {
	return Envelope{
		Event: EventConnect,
		Codec: &Codec{Name: name, SampleRate: sampleRate, Channels: channels},
	}
}
