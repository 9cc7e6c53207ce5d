package protocol

import (
	"encoding/json"
	"time"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/stream"
)

// GlassesMessage is a decoded frame sent by the glasses client.
type GlassesMessage interface {
	glassesMessage()
}

type ConnectionInit struct {
	Type      MessageType `json:"type"`
	AuthToken string      `json:"authToken,omitempty"`
}

type Logout struct {
	Type MessageType `json:"type"`
}

type StartApp struct {
	Type        MessageType `json:"type"`
	PackageName string      `json:"packageName"`
}

type StopApp struct {
	Type        MessageType `json:"type"`
	PackageName string      `json:"packageName"`
}

// GlassesPhotoResponse answers a photo_request that a TPA issued through the relay.
type GlassesPhotoResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	PhotoURL  string      `json:"photoUrl"`
}

// Event is a sensor/media/speech frame to be routed to subscribers. Stream is taken
// from the optional streamType field, falling back to the frame type.
type Event struct {
	Stream stream.Extended
	Data   json.RawMessage
}

// AudioChunk is a binary frame from the microphone.
type AudioChunk struct {
	Data       []byte
	ReceivedAt time.Time
}

func (ConnectionInit) glassesMessage()       {}
func (Logout) glassesMessage()               {}
func (StartApp) glassesMessage()             {}
func (StopApp) glassesMessage()              {}
func (GlassesPhotoResponse) glassesMessage() {}
func (Event) glassesMessage()                {}
func (AudioChunk) glassesMessage()           {}

// DecodeGlasses decodes one JSON text frame from glasses.
func DecodeGlasses(data []byte) (GlassesMessage, error) {
	var env struct {
		Type       MessageType `json:"type"`
		StreamType string      `json:"streamType,omitempty"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.MalformedMessage("invalid JSON").WithCause(err)
	}
	if env.Type == "" {
		return nil, apperrors.MalformedMessage("missing type")
	}

	switch env.Type {
	case TypeConnectionInit:
		var m ConnectionInit
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeLogout:
		return Logout{Type: TypeLogout}, nil
	case TypeStartApp:
		var m StartApp
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" {
			return nil, apperrors.MalformedMessage("start_app requires packageName")
		}
		return m, nil
	case TypeStopApp:
		var m StopApp
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" {
			return nil, apperrors.MalformedMessage("stop_app requires packageName")
		}
		return m, nil
	case TypePhotoResponse:
		var m GlassesPhotoResponse
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.RequestID == "" {
			return nil, apperrors.MalformedMessage("photo_response requires requestId")
		}
		return m, nil
	}

	base := stream.Type(env.Type)
	if !stream.IsKnown(base) || base == stream.AudioChunk || base == stream.Wildcard || base == stream.All {
		return Custom{Type: string(env.Type), Payload: append(json.RawMessage(nil), data...)}, nil
	}

	raw := string(env.Type)
	if env.StreamType != "" {
		raw = env.StreamType
	}
	key, err := stream.Parse(raw)
	if err != nil {
		return nil, err
	}
	if key.Base != base {
		return nil, apperrors.MalformedMessage("streamType does not match type")
	}
	return Event{Stream: key, Data: append(json.RawMessage(nil), data...)}, nil
}

// Cloud -> glasses frames. These are only ever encoded.

type GlassesConnectionAck struct {
	Type           MessageType         `json:"type"`
	SessionID      string              `json:"sessionId"`
	UserID         string              `json:"userId"`
	Resumed        bool                `json:"resumed"`
	ActiveApps     []string            `json:"activeAppSessions"`
	LoadingApps    []string            `json:"loadingApps"`
	Subscriptions  map[string][]string `json:"subscriptions"`
	IsTranscribing bool                `json:"isTranscribing"`
	Timestamp      time.Time           `json:"timestamp"`
}

type GlassesConnectionError struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

type AppStateChange struct {
	Type        MessageType `json:"type"`
	PackageName string      `json:"packageName"`
	Status      AppStatus   `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

type AppStartError struct {
	Type        MessageType `json:"type"`
	PackageName string      `json:"packageName"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
}

func NewAppStateChange(packageName string, status AppStatus, reason string) AppStateChange {
	return AppStateChange{
		Type:        TypeAppStateChange,
		PackageName: packageName,
		Status:      status,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}

// NewAppStartError converts err into the structured notice glasses render.
func NewAppStartError(packageName string, err error) AppStartError {
	msg := err.Error()
	if appErr, ok := apperrors.AsAppError(err); ok {
		msg = appErr.Message
	}
	return AppStartError{
		Type:        TypeAppStartError,
		PackageName: packageName,
		Code:        string(apperrors.GetCode(err)),
		Message:     msg,
	}
}

func NewGlassesConnectionError(err error) GlassesConnectionError {
	msg := err.Error()
	if appErr, ok := apperrors.AsAppError(err); ok {
		msg = appErr.Message
	}
	return GlassesConnectionError{
		Type:    TypeConnectionError,
		Code:    string(apperrors.GetCode(err)),
		Message: msg,
	}
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.MalformedMessage("invalid field").WithCause(err)
	}
	return nil
}

// Relayed TPA commands. Glasses need the sender to attribute and route replies.

type GlassesDisplayEvent struct {
	Type        MessageType     `json:"type"`
	PackageName string          `json:"packageName"`
	Layout      json.RawMessage `json:"layout"`
	DurationMs  *int            `json:"durationMs,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type GlassesMediaControl struct {
	Type        MessageType     `json:"type"`
	PackageName string          `json:"packageName"`
	Action      MediaAction     `json:"action"`
	Value       json.RawMessage `json:"value,omitempty"`
}

type GlassesPhotoRequest struct {
	Type        MessageType `json:"type"`
	RequestID   string      `json:"requestId"`
	PackageName string      `json:"packageName"`
}

// MicrophoneStateChange tells the phone whether audio needs to be streamed at all.
type MicrophoneStateChange struct {
	Type                MessageType `json:"type"`
	IsMicrophoneEnabled bool        `json:"isMicrophoneEnabled"`
}

func NewGlassesDisplayEvent(packageName string, d DisplayRequest) GlassesDisplayEvent {
	return GlassesDisplayEvent{
		Type:        TypeDisplayEvent,
		PackageName: packageName,
		Layout:      d.Layout,
		DurationMs:  d.DurationMs,
		Timestamp:   time.Now().UTC(),
	}
}

func NewGlassesMediaControl(packageName string, m MediaControl) GlassesMediaControl {
	return GlassesMediaControl{Type: TypeMediaControl, PackageName: packageName, Action: m.Action, Value: m.Value}
}

func NewGlassesPhotoRequest(packageName string, p PhotoRequest) GlassesPhotoRequest {
	return GlassesPhotoRequest{Type: TypePhotoRequest, RequestID: p.RequestID, PackageName: packageName}
}

func NewMicrophoneStateChange(enabled bool) MicrophoneStateChange {
	return MicrophoneStateChange{Type: TypeMicrophoneStateChange, IsMicrophoneEnabled: enabled}
}
