package realtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type EventType string

// Server event types recognized on the signaling channel. The strings are the
// backend's wire contract.
const (
	ServerEventTypeUserTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeAssistantResponseDone      EventType = "response.output_audio_transcript.done"
	ServerEventTypeSessionUpdated             EventType = "session.updated"
	ServerEventTypeSessionCreated             EventType = "session.created"
	ServerEventTypeConversationCreated        EventType = "conversation.created"
)

// Client event types sent on the signaling channel.
const (
	ClientEventTypeSessionUpdate EventType = "session.update"
)

// InboundEvent is one decoded server message. Fields beyond "type" stay in
// Raw so unknown events pass through untouched.
type InboundEvent struct {
	Type EventType
	Raw  map[string]any
}

// ParseEvent decodes a data channel payload.
func ParseEvent(data []byte) (*InboundEvent, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if raw == nil {
		return nil, errors.New("event is not a JSON object")
	}
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return nil, errors.New("missing type")
	}
	return &InboundEvent{Type: EventType(t), Raw: raw}, nil
}

// String returns the value of key when it is a string.
func (e *InboundEvent) String(key string) string {
	v, _ := e.Raw[key].(string)
	return v
}

// FirstText returns the first non-empty string among keys.
func (e *InboundEvent) FirstText(keys ...string) string {
	for _, k := range keys {
		if v := e.String(k); v != "" {
			return v
		}
	}
	return ""
}

// Object returns the nested object at key, if any.
func (e *InboundEvent) Object(key string) map[string]any {
	v, _ := e.Raw[key].(map[string]any)
	return v
}

// OutboundEvent is the envelope for client-originated messages.
type OutboundEvent struct {
	Event EventType `json:"event"`
	Data  any       `json:"data,omitempty"`
}

func (e OutboundEvent) Marshal() ([]byte, error) {
	if e.Event == "" {
		return nil, errors.New("event is empty")
	}
	return sonic.Marshal(e)
}

func newSessionUpdate(p SessionParameters) OutboundEvent {
	data := p.clone()
	if data.Modalities == nil {
		data.Modalities = []Modality{}
	}
	return OutboundEvent{Event: ClientEventTypeSessionUpdate, Data: data}
}
