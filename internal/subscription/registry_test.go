package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
	"github.com/augmentos/cloud-relay-go/internal/stream"
)

func TestRegistry_SetSubscriptions(t *testing.T) {
	t.Run("replaces rather than merges", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.SetSubscriptions("s1", "com.acme.app", []string{"button_press", "head_position"})
		require.NoError(t, err)

		_, err = r.SetSubscriptions("s1", "com.acme.app", []string{})
		require.NoError(t, err)

		assert.Empty(t, r.SubscribersFor("s1", stream.Of(stream.ButtonPress)))
		assert.Empty(t, r.SubscribersFor("s1", stream.Of(stream.HeadPosition)))
	})

	t.Run("replacing one set with another drops the old streams", func(t *testing.T) {
		r := NewRegistry()
		_, _ = r.SetSubscriptions("s1", "com.acme.app", []string{"button_press"})
		_, _ = r.SetSubscriptions("s1", "com.acme.app", []string{"vad"})

		assert.Empty(t, r.SubscribersFor("s1", stream.Of(stream.ButtonPress)))
		assert.Equal(t, []string{"com.acme.app"}, r.SubscribersFor("s1", stream.Of(stream.VAD)))
	})

	t.Run("invalid stream rejects the update and keeps the old set", func(t *testing.T) {
		r := NewRegistry()
		_, _ = r.SetSubscriptions("s1", "com.acme.app", []string{"button_press"})

		_, err := r.SetSubscriptions("s1", "com.acme.app", []string{"vad", "bogus"})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidStreamType, apperrors.GetCode(err))
		assert.Equal(t, []string{"com.acme.app"}, r.SubscribersFor("s1", stream.Of(stream.ButtonPress)))
		assert.Empty(t, r.SubscribersFor("s1", stream.Of(stream.VAD)))
	})
}

func TestRegistry_SubscribersFor(t *testing.T) {
	t.Run("returns subscribers in subscription order", func(t *testing.T) {
		r := NewRegistry()
		_, _ = r.SetSubscriptions("s1", "com.c", []string{"vad"})
		_, _ = r.SetSubscriptions("s1", "com.a", []string{"vad"})
		_, _ = r.SetSubscriptions("s1", "com.b", []string{"vad"})
		_, _ = r.SetSubscriptions("s1", "com.c", []string{"vad", "button_press"})

		assert.Equal(t, []string{"com.c", "com.a", "com.b"}, r.SubscribersFor("s1", stream.Of(stream.VAD)))
	})

	t.Run("isolates sessions", func(t *testing.T) {
		r := NewRegistry()
		_, _ = r.SetSubscriptions("s1", "com.acme.app", []string{"vad"})

		assert.Empty(t, r.SubscribersFor("s2", stream.Of(stream.VAD)))
	})

	t.Run("language keys are exclusive from the base type", func(t *testing.T) {
		r := NewRegistry()
		_, _ = r.SetSubscriptions("s1", "com.plain", []string{"transcription"})
		_, _ = r.SetSubscriptions("s1", "com.english", []string{"transcription:en-US"})

		assert.Equal(t, []string{"com.plain"}, r.SubscribersFor("s1", stream.Of(stream.Transcription)))
		assert.Equal(t, []string{"com.english"}, r.SubscribersFor("s1", stream.TranscriptionIn("en-US")))
		assert.Empty(t, r.SubscribersFor("s1", stream.TranscriptionIn("fr-FR")))
	})

	t.Run("wildcard matches plain streams only", func(t *testing.T) {
		r := NewRegistry()
		_, _ = r.SetSubscriptions("s1", "com.all", []string{"*"})

		assert.Equal(t, []string{"com.all"}, r.SubscribersFor("s1", stream.Of(stream.HeadPosition)))
		assert.Empty(t, r.SubscribersFor("s1", stream.Of(stream.AudioChunk)))
		assert.Empty(t, r.SubscribersFor("s1", stream.TranscriptionIn("en-US")))
	})
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	_, _ = r.SetSubscriptions("s1", "com.a", []string{"vad", "transcription"})
	_, _ = r.SetSubscriptions("s1", "com.b", []string{"vad"})

	r.Clear("s1", "com.a")

	assert.Equal(t, []string{"com.b"}, r.SubscribersFor("s1", stream.Of(stream.VAD)))
	assert.Empty(t, r.Subscriptions("s1", "com.a"))
	assert.False(t, r.IsTranscribingRequired("s1"))

	r.ClearSession("s1")
	assert.Empty(t, r.Snapshot("s1"))
}

func TestRegistry_IsTranscribingRequired(t *testing.T) {
	tests := []struct {
		name    string
		streams []string
		want    bool
	}{
		{"no subscriptions", nil, false},
		{"non speech stream", []string{"button_press"}, false},
		{"plain transcription", []string{"transcription"}, true},
		{"language transcription", []string{"transcription:en-US"}, true},
		{"translation pair", []string{"translation:es-ES:en-US"}, true},
		{"wildcard alone", []string{"*"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			_, err := r.SetSubscriptions("s1", "com.acme.app", tc.streams)
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.IsTranscribingRequired("s1"))
		})
	}
}

func TestRegistry_Languages(t *testing.T) {
	r := NewRegistry()
	_, _ = r.SetSubscriptions("s1", "com.a", []string{"transcription:en-US", "vad"})
	_, _ = r.SetSubscriptions("s1", "com.b", []string{"transcription:en-US", "translation:es-ES:en-US"})

	assert.Equal(t, []stream.Extended{
		stream.TranscriptionIn("en-US"),
		stream.TranslationOf("es-ES", "en-US"),
	}, r.Languages("s1"))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	_, _ = r.SetSubscriptions("s1", "com.a", []string{"transcription:en-US", "vad"})

	assert.Equal(t, map[string][]string{"com.a": {"transcription:en-US", "vad"}}, r.Snapshot("s1"))
}

func TestRegistry_ConcurrentSessions(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessionID := []string{"s1", "s2", "s3"}[i%3]
			_, _ = r.SetSubscriptions(sessionID, "com.acme.app", []string{"vad"})
			_ = r.SubscribersFor(sessionID, stream.Of(stream.VAD))
			_ = r.IsTranscribingRequired(sessionID)
		}(i)
	}
	wg.Wait()

	for _, s := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, []string{"com.acme.app"}, r.SubscribersFor(s, stream.Of(stream.VAD)))
	}
}
