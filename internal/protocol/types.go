// Package protocol holds the JSON frame types exchanged over /glasses-ws and /tpa-ws.
// Inbound frames are decoded once at the connection boundary into a closed set of
// variants; handlers switch on the concrete type.
package protocol

import "encoding/json"

type MessageType string

// Glasses -> cloud
const (
	TypeConnectionInit MessageType = "connection_init"
	TypeLogout         MessageType = "logout"
	TypeStartApp       MessageType = "start_app"
	TypeStopApp        MessageType = "stop_app"
	TypePhotoResponse  MessageType = "photo_response"
)

// Cloud -> glasses
const (
	TypeConnectionAck   MessageType = "connection_ack"
	TypeConnectionError MessageType = "connection_error"
	TypeAppStateChange  MessageType = "app_state_change"
	TypeAppStartError   MessageType = "app_start_error"
	TypeDisplayEvent    MessageType = "display_event"

	TypeMicrophoneStateChange MessageType = "microphone_state_change"
)

// TPA -> cloud
const (
	TypeTpaConnectionInit  MessageType = "tpa_connection_init"
	TypeSubscriptionUpdate MessageType = "subscription_update"
	TypeMediaControl       MessageType = "media_control"
	TypePhotoRequest       MessageType = "photo_request"
)

// Cloud -> TPA
const (
	TypeTpaConnectionAck    MessageType = "tpa_connection_ack"
	TypeTpaConnectionError  MessageType = "tpa_connection_error"
	TypeDataStream          MessageType = "data_stream"
	TypeSettingsUpdate      MessageType = "settings_update"
	TypeAppStopped          MessageType = "app_stopped"
	TypeMediaStateUpdate    MessageType = "media_state_update"
	TypeMediaMetadataUpdate MessageType = "media_metadata_update"
	TypeMediaSessionEnded   MessageType = "media_session_ended"
)

// WebSocket close codes used by the relay. 4000-4999 are application codes; the
// relay never infers intent from the close reason text.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseServiceRestart  = 1012
	CloseTryAgainLater   = 1013

	CloseAppStopped     = 4000
	CloseSessionExpired = 4001
	CloseSessionGone    = 4002
	CloseSuperseded     = 4003
	CloseAuthFailure    = 4401
)

// IsTransientClose reports whether a TPA socket closed with code should be
// reconnected. Intentional and policy closes are terminal.
func IsTransientClose(code int) bool {
	switch code {
	case CloseGoingAway, CloseAbnormal, CloseInternalError, CloseServiceRestart, CloseTryAgainLater:
		return true
	case CloseNormal, ClosePolicyViolation,
		CloseAppStopped, CloseSessionExpired, CloseSessionGone, CloseSuperseded, CloseAuthFailure:
		return false
	}
	// Unknown codes outside the application range are treated like abnormal closure.
	return code < 4000
}

type MediaAction string

const (
	MediaPlay     MediaAction = "PLAY"
	MediaPause    MediaAction = "PAUSE"
	MediaNext     MediaAction = "NEXT"
	MediaPrevious MediaAction = "PREVIOUS"
	MediaShuffle  MediaAction = "SHUFFLE"
	MediaRepeat   MediaAction = "REPEAT"
	MediaSeek     MediaAction = "SEEK"
)

func (a MediaAction) Valid() bool {
	switch a {
	case MediaPlay, MediaPause, MediaNext, MediaPrevious, MediaShuffle, MediaRepeat, MediaSeek:
		return true
	}
	return false
}

// AppStatus is the status carried by app_state_change notices to glasses.
type AppStatus string

const (
	AppLoading      AppStatus = "loading"
	AppRunning      AppStatus = "running"
	AppStopped      AppStatus = "stopped"
	AppReconnecting AppStatus = "reconnecting"
	AppFailed       AppStatus = "failed"
)

// Custom is a well-formed frame of a type the relay does not model. It is a member
// of every inbound and outbound variant set and re-encodes to its original bytes.
type Custom struct {
	Type    string
	Payload json.RawMessage
}

func (c Custom) MarshalJSON() ([]byte, error) {
	if len(c.Payload) == 0 {
		return json.Marshal(map[string]string{"type": c.Type})
	}
	return c.Payload, nil
}

func (Custom) glassesMessage() {}
func (Custom) tpaMessage()     {}
func (Custom) cloudMessage()   {}

func (c Custom) accept(h CloudHandler) { h.Custom(c) }

type envelope struct {
	Type MessageType `json:"type"`
}
