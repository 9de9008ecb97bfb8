package realtime

import (
	"slices"
	"time"
)

// ConnectionState is the simplified session state exposed to callers.
type ConnectionState string

const (
	StateClosed     ConnectionState = "closed"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	// StateFailed is transient: it is reported right before cleanup moves the
	// session back to StateClosed.
	StateFailed ConnectionState = "failed"
)

type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

type CameraPosition string

const (
	CameraFront CameraPosition = "front"
	CameraBack  CameraPosition = "back"
)

// Opposite returns the other camera position.
func (p CameraPosition) Opposite() CameraPosition {
	if p == CameraBack {
		return CameraFront
	}
	return CameraBack
}

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

type ItemContent struct {
	Message string `json:"message"`
}

// ConversationItem is one completed utterance. Items are append-only and
// never mutated after creation.
type ConversationItem struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         Sender      `json:"sender"`
	Content        ItemContent `json:"content"`
	VoiceType      string      `json:"voiceType,omitempty"`
	ModelVersion   string      `json:"modelVersion,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// SessionParameters mirrors the settings of the active session.
type SessionParameters struct {
	Model        string     `json:"model,omitempty" yaml:"model,omitempty"`
	Voice        string     `json:"voice,omitempty" yaml:"voice,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Instructions string     `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Modalities   []Modality `json:"modalities" yaml:"modalities"`
}

func (p SessionParameters) clone() SessionParameters {
	out := p
	if p.Temperature != nil {
		t := *p.Temperature
		out.Temperature = &t
	}
	out.Modalities = slices.Clone(p.Modalities)
	return out
}

func (p SessionParameters) withModality(m Modality) SessionParameters {
	out := p.clone()
	if !slices.Contains(out.Modalities, m) {
		out.Modalities = append(out.Modalities, m)
	}
	return out
}

func (p SessionParameters) withoutModality(m Modality) SessionParameters {
	out := p.clone()
	out.Modalities = slices.DeleteFunc(out.Modalities, func(v Modality) bool { return v == m })
	return out
}

// ParamsUpdate is a partial SessionParameters. Nil fields are left unchanged.
type ParamsUpdate struct {
	Model        *string
	Voice        *string
	Temperature  *float64
	Instructions *string
	Modalities   []Modality
}

func (u ParamsUpdate) isEmpty() bool {
	return u.Model == nil && u.Voice == nil && u.Temperature == nil && u.Instructions == nil && u.Modalities == nil
}

func (u ParamsUpdate) apply(p SessionParameters) SessionParameters {
	out := p.clone()
	if u.Model != nil {
		out.Model = *u.Model
	}
	if u.Voice != nil {
		out.Voice = *u.Voice
	}
	if u.Temperature != nil {
		t := *u.Temperature
		out.Temperature = &t
	}
	if u.Instructions != nil {
		out.Instructions = *u.Instructions
	}
	if u.Modalities != nil {
		out.Modalities = dedupModalities(u.Modalities)
	}
	return out
}

// merge layers u over base; fields set in u win.
func (u ParamsUpdate) merge(base ParamsUpdate) ParamsUpdate {
	out := base
	if u.Model != nil {
		out.Model = u.Model
	}
	if u.Voice != nil {
		out.Voice = u.Voice
	}
	if u.Temperature != nil {
		out.Temperature = u.Temperature
	}
	if u.Instructions != nil {
		out.Instructions = u.Instructions
	}
	if u.Modalities != nil {
		out.Modalities = slices.Clone(u.Modalities)
	}
	return out
}

func dedupModalities(in []Modality) []Modality {
	out := make([]Modality, 0, len(in))
	for _, m := range in {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// StartOptions overrides configuration for a single StartSession call.
type StartOptions struct {
	Params    ParamsUpdate
	Callbacks *Callbacks
}

// Snapshot is a read-only copy of the client's observable state.
type Snapshot struct {
	ConnectionState   ConnectionState
	ConversationID    string
	ConversationItems []ConversationItem
	MicOn             bool
	CameraOn          bool
	CameraPosition    CameraPosition
	Params            SessionParameters
}

// Ptr returns a pointer to v, for filling ParamsUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
