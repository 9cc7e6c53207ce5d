// Package router fans session events out to subscribed TPA connections.
package router

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/metrics"
	"github.com/augmentos/cloud-relay-go/internal/protocol"
	"github.com/augmentos/cloud-relay-go/internal/session"
	"github.com/augmentos/cloud-relay-go/internal/stream"
	"github.com/augmentos/cloud-relay-go/internal/subscription"
)

// AudioSink receives microphone audio for sessions that need speech recognition,
// along with the language-specific transcription and translation streams currently
// requested so recognizers can be configured. Recognition results come back through
// the session service as routed events.
type AudioSink interface {
	HandleAudio(sessionID string, languages []stream.Extended, chunk protocol.AudioChunk)
}

type NopAudioSink struct{}

func (NopAudioSink) HandleAudio(string, []stream.Extended, protocol.AudioChunk) {}

type Router struct {
	table    *session.Table
	registry *subscription.Registry
	sink     AudioSink
}

func New(table *session.Table, registry *subscription.Registry, sink AudioSink) *Router {
	if sink == nil {
		sink = NopAudioSink{}
	}
	return &Router{
		table:    table,
		registry: registry,
		sink:     sink,
	}
}

// Route delivers ev to every ACTIVE connection subscribed to its stream, in
// subscription order. Delivery is at most once; connections that are not ACTIVE are
// skipped. It returns the number of connections the frame was queued on.
func (r *Router) Route(sessionID string, ev protocol.Event, ts time.Time) int {
	sess, ok := r.table.Get(sessionID)
	if !ok {
		return 0
	}

	subscribers := r.registry.SubscribersFor(sessionID, ev.Stream)
	if len(subscribers) == 0 {
		return 0
	}

	data, err := json.Marshal(protocol.ForStream(sessionID, ev.Stream, ev.Data, ts))
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Str("streamType", ev.Stream.String()).Msg("failed to encode event")
		return 0
	}

	delivered := 0
	sess.ForEachActiveApp(subscribers, func(packageName string, sock session.TpaSocket) {
		if err := sock.SendText(data); err != nil {
			metrics.RecordDroppedSend("tpa")
			log.Debug().Err(err).
				Str("sessionId", sessionID).
				Str("packageName", packageName).
				Str("streamType", ev.Stream.String()).
				Msg("dropped event for tpa")
			return
		}
		delivered++
	})

	if delivered > 0 {
		metrics.RoutedEvents.WithLabelValues(string(ev.Stream.Base)).Add(float64(delivered))
	}
	return delivered
}

// RouteAudio passes a binary chunk to the audio sink when the session needs
// transcription, and to TPAs that subscribed to raw audio. With neither, the chunk is
// dropped without any fan-out work.
func (r *Router) RouteAudio(sessionID string, chunk protocol.AudioChunk) int {
	transcribing := r.registry.IsTranscribingRequired(sessionID)
	raw := r.registry.SubscribersFor(sessionID, stream.Of(stream.AudioChunk))
	if !transcribing && len(raw) == 0 {
		return 0
	}

	if transcribing {
		r.sink.HandleAudio(sessionID, r.registry.Languages(sessionID), chunk)
	}
	if len(raw) == 0 {
		return 0
	}

	sess, ok := r.table.Get(sessionID)
	if !ok {
		return 0
	}
	delivered := 0
	sess.ForEachActiveApp(raw, func(packageName string, sock session.TpaSocket) {
		if err := sock.SendBinary(chunk.Data); err != nil {
			metrics.RecordDroppedSend("tpa")
			return
		}
		delivered++
	})
	if delivered > 0 {
		metrics.RoutedEvents.WithLabelValues(string(stream.AudioChunk)).Add(float64(delivered))
	}
	return delivered
}

// DeliverTo sends msg to one TPA regardless of subscriptions, for replies such as
// photo_response and settings_update.
func (r *Router) DeliverTo(sessionID, packageName string, msg protocol.CloudMessage) bool {
	sess, ok := r.table.Get(sessionID)
	if !ok {
		return false
	}
	if !sess.SendToApp(packageName, msg) {
		metrics.RecordDroppedSend("tpa")
		return false
	}
	return true
}
