// Package stream defines the event stream vocabulary shared by glasses, the relay and TPAs.
package stream

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
)

type Type string

const (
	ButtonPress            Type = "button_press"
	HeadPosition           Type = "head_position"
	PhoneNotification      Type = "phone_notification"
	NotificationDismissed  Type = "notification_dismissed"
	Transcription          Type = "transcription"
	Translation            Type = "translation"
	GlassesBatteryUpdate   Type = "glasses_battery_update"
	PhoneBatteryUpdate     Type = "phone_battery_update"
	GlassesConnectionState Type = "glasses_connection_state"
	LocationUpdate         Type = "location_update"
	VAD                    Type = "vad"
	AudioChunk             Type = "audio_chunk"
	Video                  Type = "video"
	OpenDashboard          Type = "open_dashboard"
	CoreStatusUpdate       Type = "core_status_update"
	MediaState             Type = "media_state"
	MediaMetadata          Type = "media_metadata"
	MediaSessionEnded      Type = "media_session_ended"

	Wildcard Type = "*"
	All      Type = "all"
)

var known = map[Type]bool{
	ButtonPress:            true,
	HeadPosition:           true,
	PhoneNotification:      true,
	NotificationDismissed:  true,
	Transcription:          true,
	Translation:            true,
	GlassesBatteryUpdate:   true,
	PhoneBatteryUpdate:     true,
	GlassesConnectionState: true,
	LocationUpdate:         true,
	VAD:                    true,
	AudioChunk:             true,
	Video:                  true,
	OpenDashboard:          true,
	CoreStatusUpdate:       true,
	MediaState:             true,
	MediaMetadata:          true,
	MediaSessionEnded:      true,
	Wildcard:               true,
	All:                    true,
}

// IsKnown reports whether t is a base stream type the relay understands.
func IsKnown(t Type) bool {
	return known[t]
}

// Extended is a stream key: a base type, optionally parameterized by a language
// (transcription) or a source/target language pair (translation). Each distinct
// parameterization is its own key.
type Extended struct {
	Base   Type
	Source string
	Target string
}

// Parse validates s and returns its canonical Extended form. Accepted shapes are
// "<type>", "transcription:<lang>" and "translation:<source>:<target>".
func Parse(s string) (Extended, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	base := Type(parts[0])
	if !IsKnown(base) {
		return Extended{}, apperrors.InvalidStreamType(s)
	}

	switch len(parts) {
	case 1:
		if base == All {
			base = Wildcard
		}
		return Extended{Base: base}, nil

	case 2:
		if base != Transcription {
			return Extended{}, apperrors.InvalidStreamType(s)
		}
		lang, err := canonicalLanguage(parts[1])
		if err != nil {
			return Extended{}, apperrors.InvalidStreamType(s).WithCause(err)
		}
		return Extended{Base: base, Source: lang}, nil

	case 3:
		if base != Translation {
			return Extended{}, apperrors.InvalidStreamType(s)
		}
		source, err := canonicalLanguage(parts[1])
		if err != nil {
			return Extended{}, apperrors.InvalidStreamType(s).WithCause(err)
		}
		target, err := canonicalLanguage(parts[2])
		if err != nil {
			return Extended{}, apperrors.InvalidStreamType(s).WithCause(err)
		}
		return Extended{Base: base, Source: source, Target: target}, nil

	default:
		return Extended{}, apperrors.InvalidStreamType(s)
	}
}

// ParseAll parses every entry, failing on the first invalid one. Duplicates are
// collapsed and first-seen order is kept.
func ParseAll(raw []string) ([]Extended, error) {
	out := make([]Extended, 0, len(raw))
	seen := make(map[Extended]bool, len(raw))
	for _, s := range raw {
		ext, err := Parse(s)
		if err != nil {
			return nil, err
		}
		if seen[ext] {
			continue
		}
		seen[ext] = true
		out = append(out, ext)
	}
	return out, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Extended {
	ext, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ext
}

// Of returns the unparameterized key for t.
func Of(t Type) Extended {
	return Extended{Base: t}
}

// TranscriptionIn returns the transcription key for a language.
func TranscriptionIn(lang string) Extended {
	return Extended{Base: Transcription, Source: lang}
}

// TranslationOf returns the translation key for a source/target pair.
func TranslationOf(source, target string) Extended {
	return Extended{Base: Translation, Source: source, Target: target}
}

func (e Extended) String() string {
	switch {
	case e.Target != "":
		return fmt.Sprintf("%s:%s:%s", e.Base, e.Source, e.Target)
	case e.Source != "":
		return fmt.Sprintf("%s:%s", e.Base, e.Source)
	default:
		return string(e.Base)
	}
}

// IsLanguageSpecific reports whether the key carries language parameters.
func (e Extended) IsLanguageSpecific() bool {
	return e.Source != ""
}

// IsTranscriptionFamily reports whether a subscriber to e needs speech recognition.
func (e Extended) IsTranscriptionFamily() bool {
	return e.Base == Transcription || e.Base == Translation
}

func (e Extended) IsWildcard() bool {
	return e.Base == Wildcard
}

// MatchedByWildcard reports whether a wildcard subscription covers events on e.
// Binary audio and language-parameterized streams must be subscribed explicitly.
func (e Extended) MatchedByWildcard() bool {
	return !e.IsLanguageSpecific() && e.Base != AudioChunk && !e.IsWildcard()
}

func (e Extended) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Extended) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func canonicalLanguage(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty language tag")
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse language %q: %w", raw, err)
	}
	return tag.String(), nil
}
