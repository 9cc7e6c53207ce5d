package protocol

import (
	"encoding/json"
	"time"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/stream"
)

// TpaMessage is a decoded frame sent by a TPA.
type TpaMessage interface {
	tpaMessage()
}

type TpaConnectionInit struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId"`
	PackageName string      `json:"packageName"`
	APIKey      string      `json:"apiKey"`
}

type SubscriptionUpdate struct {
	Type          MessageType `json:"type"`
	PackageName   string      `json:"packageName,omitempty"`
	SessionID     string      `json:"sessionId,omitempty"`
	Subscriptions []string    `json:"subscriptions"`
}

// DisplayRequest is relayed to glasses as display_event with packageName attached.
type DisplayRequest struct {
	Type        MessageType     `json:"type"`
	PackageName string          `json:"packageName"`
	SessionID   string          `json:"sessionId,omitempty"`
	Layout      json.RawMessage `json:"layout"`
	DurationMs  *int            `json:"durationMs,omitempty"`
}

type MediaControl struct {
	Type        MessageType     `json:"type"`
	PackageName string          `json:"packageName"`
	SessionID   string          `json:"sessionId,omitempty"`
	Action      MediaAction     `json:"action"`
	Value       json.RawMessage `json:"value,omitempty"`
}

type PhotoRequest struct {
	Type        MessageType `json:"type"`
	PackageName string      `json:"packageName"`
	SessionID   string      `json:"sessionId,omitempty"`
	RequestID   string      `json:"requestId"`
}

func (TpaConnectionInit) tpaMessage()  {}
func (SubscriptionUpdate) tpaMessage() {}
func (DisplayRequest) tpaMessage()     {}
func (MediaControl) tpaMessage()       {}
func (PhotoRequest) tpaMessage()       {}

// DecodeTpa decodes one JSON text frame from a TPA.
func DecodeTpa(data []byte) (TpaMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.MalformedMessage("invalid JSON").WithCause(err)
	}

	switch env.Type {
	case "":
		return nil, apperrors.MalformedMessage("missing type")

	case TypeTpaConnectionInit:
		var m TpaConnectionInit
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" || m.PackageName == "" {
			return nil, apperrors.MalformedMessage("tpa_connection_init requires sessionId and packageName")
		}
		return m, nil

	case TypeSubscriptionUpdate:
		var m SubscriptionUpdate
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeDisplayEvent:
		var m DisplayRequest
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if len(m.Layout) == 0 {
			return nil, apperrors.MalformedMessage("display_event requires layout")
		}
		return m, nil

	case TypeMediaControl:
		var m MediaControl
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if !m.Action.Valid() {
			return nil, apperrors.MalformedMessage("unknown media action: " + string(m.Action))
		}
		return m, nil

	case TypePhotoRequest:
		var m PhotoRequest
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.RequestID == "" {
			return nil, apperrors.MalformedMessage("photo_request requires requestId")
		}
		return m, nil
	}

	return Custom{Type: string(env.Type), Payload: append(json.RawMessage(nil), data...)}, nil
}

// CloudMessage is a frame the relay sends to a TPA. The variant set is closed:
// ConnectionAck, ConnectionError, DataStream, SettingsUpdate, AppStopped,
// PhotoResponse, MediaStateUpdate, MediaMetadataUpdate, MediaSessionEnded, Custom.
type CloudMessage interface {
	cloudMessage()
	accept(CloudHandler)
}

// CloudHandler has one method per CloudMessage variant. Adding a variant adds a
// method here, so every implementation fails to compile until it handles it.
type CloudHandler interface {
	ConnectionAck(ConnectionAck)
	ConnectionError(ConnectionError)
	DataStream(DataStream)
	SettingsUpdate(SettingsUpdate)
	AppStopped(AppStoppedMessage)
	PhotoResponse(PhotoResponse)
	MediaStateUpdate(MediaStateUpdate)
	MediaMetadataUpdate(MediaMetadataUpdate)
	MediaSessionEnded(MediaSessionEnded)
	Custom(Custom)
}

// Dispatch calls the handler method matching m's variant.
func Dispatch(m CloudMessage, h CloudHandler) {
	m.accept(h)
}

type AckConfig struct {
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
}

type ConnectionAck struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Settings  json.RawMessage `json:"settings"`
	Config    AckConfig       `json:"config"`
	Timestamp time.Time       `json:"timestamp"`
}

type ConnectionError struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

type DataStream struct {
	Type       MessageType     `json:"type"`
	SessionID  string          `json:"sessionId"`
	StreamType stream.Extended `json:"streamType"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

type SettingsUpdate struct {
	Type        MessageType     `json:"type"`
	PackageName string          `json:"packageName"`
	Settings    json.RawMessage `json:"settings"`
}

// AppStoppedMessage tells a TPA the relay is ending its connection on purpose.
type AppStoppedMessage struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type PhotoResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	PhotoURL  string      `json:"photoUrl"`
}

type MediaStateUpdate struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type MediaMetadataUpdate struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type MediaSessionEnded struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (ConnectionAck) cloudMessage()       {}
func (ConnectionError) cloudMessage()     {}
func (DataStream) cloudMessage()          {}
func (SettingsUpdate) cloudMessage()      {}
func (AppStoppedMessage) cloudMessage()   {}
func (PhotoResponse) cloudMessage()       {}
func (MediaStateUpdate) cloudMessage()    {}
func (MediaMetadataUpdate) cloudMessage() {}
func (MediaSessionEnded) cloudMessage()   {}

func (m ConnectionAck) accept(h CloudHandler)       { h.ConnectionAck(m) }
func (m ConnectionError) accept(h CloudHandler)     { h.ConnectionError(m) }
func (m DataStream) accept(h CloudHandler)          { h.DataStream(m) }
func (m SettingsUpdate) accept(h CloudHandler)      { h.SettingsUpdate(m) }
func (m AppStoppedMessage) accept(h CloudHandler)   { h.AppStopped(m) }
func (m PhotoResponse) accept(h CloudHandler)       { h.PhotoResponse(m) }
func (m MediaStateUpdate) accept(h CloudHandler)    { h.MediaStateUpdate(m) }
func (m MediaMetadataUpdate) accept(h CloudHandler) { h.MediaMetadataUpdate(m) }
func (m MediaSessionEnded) accept(h CloudHandler)   { h.MediaSessionEnded(m) }

func NewConnectionAck(sessionID string, settings json.RawMessage, heartbeat time.Duration) ConnectionAck {
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}
	return ConnectionAck{
		Type:      TypeTpaConnectionAck,
		SessionID: sessionID,
		Settings:  settings,
		Config:    AckConfig{HeartbeatIntervalMs: heartbeat.Milliseconds()},
		Timestamp: time.Now().UTC(),
	}
}

func NewConnectionError(err error) ConnectionError {
	msg := err.Error()
	if appErr, ok := apperrors.AsAppError(err); ok {
		msg = appErr.Message
	}
	return ConnectionError{
		Type:    TypeTpaConnectionError,
		Code:    string(apperrors.GetCode(err)),
		Message: msg,
	}
}

func NewAppStopped(reason string) AppStoppedMessage {
	return AppStoppedMessage{Type: TypeAppStopped, Reason: reason}
}

func NewSettingsUpdate(packageName string, settings json.RawMessage) SettingsUpdate {
	return SettingsUpdate{Type: TypeSettingsUpdate, PackageName: packageName, Settings: settings}
}

func NewPhotoResponse(requestID, photoURL string) PhotoResponse {
	return PhotoResponse{Type: TypePhotoResponse, RequestID: requestID, PhotoURL: photoURL}
}

// ForStream builds the frame a subscriber of key receives. Media streams have
// dedicated variants; everything else is a data_stream.
func ForStream(sessionID string, key stream.Extended, data json.RawMessage, ts time.Time) CloudMessage {
	switch key.Base {
	case stream.MediaState:
		return MediaStateUpdate{Type: TypeMediaStateUpdate, SessionID: sessionID, Data: data, Timestamp: ts}
	case stream.MediaMetadata:
		return MediaMetadataUpdate{Type: TypeMediaMetadataUpdate, SessionID: sessionID, Data: data, Timestamp: ts}
	case stream.MediaSessionEnded:
		return MediaSessionEnded{Type: TypeMediaSessionEnded, SessionID: sessionID, Data: data, Timestamp: ts}
	}
	return DataStream{Type: TypeDataStream, SessionID: sessionID, StreamType: key, Data: data, Timestamp: ts}
}

// DecodeCloud decodes a relay -> TPA frame. TPA clients and tests use it.
func DecodeCloud(data []byte) (CloudMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.MalformedMessage("invalid JSON").WithCause(err)
	}

	var (
		msg CloudMessage
		err error
	)
	switch env.Type {
	case "":
		return nil, apperrors.MalformedMessage("missing type")
	case TypeTpaConnectionAck:
		var m ConnectionAck
		err = decodeInto(data, &m)
		msg = m
	case TypeTpaConnectionError:
		var m ConnectionError
		err = decodeInto(data, &m)
		msg = m
	case TypeDataStream:
		var m DataStream
		err = decodeInto(data, &m)
		msg = m
	case TypeSettingsUpdate:
		var m SettingsUpdate
		err = decodeInto(data, &m)
		msg = m
	case TypeAppStopped:
		var m AppStoppedMessage
		err = decodeInto(data, &m)
		msg = m
	case TypePhotoResponse:
		var m PhotoResponse
		err = decodeInto(data, &m)
		msg = m
	case TypeMediaStateUpdate:
		var m MediaStateUpdate
		err = decodeInto(data, &m)
		msg = m
	case TypeMediaMetadataUpdate:
		var m MediaMetadataUpdate
		err = decodeInto(data, &m)
		msg = m
	case TypeMediaSessionEnded:
		var m MediaSessionEnded
		err = decodeInto(data, &m)
		msg = m
	default:
		msg = Custom{Type: string(env.Type), Payload: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
