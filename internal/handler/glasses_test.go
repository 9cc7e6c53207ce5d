package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (r *relay) nextTpa(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.tpa.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("tpa server was never asked to connect")
		return nil
	}
}

func TestGlassesHandler_Handshake(t *testing.T) {
	t.Run("acks a new session", func(t *testing.T) {
		r := newRelay(t)
		_, ack := r.dialGlasses(t)

		assert.NotEmpty(t, ack["sessionId"])
		assert.Equal(t, testUser, ack["userId"])
		assert.Equal(t, false, ack["resumed"])
		assert.Equal(t, 1, r.table.Len())
	})

	t.Run("accepts the token from connection_init", func(t *testing.T) {
		r := newRelay(t)
		c, _, err := websocket.DefaultDialer.Dial(wsURL(r.server, "/glasses-ws"), nil)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.WriteJSON(map[string]string{
			"type":      "connection_init",
			"authToken": signToken(t, testUser),
		}))
		assert.Equal(t, "connection_ack", readFrame(t, c)["type"])
	})

	t.Run("accepts the token query parameter", func(t *testing.T) {
		r := newRelay(t)
		url := wsURL(r.server, "/glasses-ws") + "?token=" + signToken(t, testUser)
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.WriteJSON(map[string]string{"type": "connection_init"}))
		assert.Equal(t, "connection_ack", readFrame(t, c)["type"])
	})

	t.Run("rejects a bad token with 4401", func(t *testing.T) {
		r := newRelay(t)
		header := http.Header{"Authorization": {"Bearer not-a-jwt"}}
		c, _, err := websocket.DefaultDialer.Dial(wsURL(r.server, "/glasses-ws"), header)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.WriteJSON(map[string]string{"type": "connection_init"}))
		frame := readFrame(t, c)
		assert.Equal(t, "connection_error", frame["type"])
		assert.Equal(t, "AUTHENTICATION_FAILURE", frame["code"])
		assert.Equal(t, 4401, readClose(t, c))
		assert.Equal(t, 0, r.table.Len())
	})

	t.Run("closes 1008 when the first frame is not connection_init", func(t *testing.T) {
		r := newRelay(t)
		c, _, err := websocket.DefaultDialer.Dial(wsURL(r.server, "/glasses-ws"), nil)
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.WriteJSON(map[string]string{"type": "button_press"}))
		assert.Equal(t, "connection_error", readFrame(t, c)["type"])
		assert.Equal(t, 1008, readClose(t, c))
	})

	t.Run("closes 1008 when connection_init never arrives", func(t *testing.T) {
		r := newRelay(t)
		c, _, err := websocket.DefaultDialer.Dial(wsURL(r.server, "/glasses-ws"), nil)
		require.NoError(t, err)
		defer c.Close()

		assert.Equal(t, "connection_error", readFrame(t, c)["type"])
		assert.Equal(t, 1008, readClose(t, c))
	})

	t.Run("silent glasses are disconnected into grace", func(t *testing.T) {
		r := newRelayWithPongWait(t, 150*time.Millisecond)
		_, ack := r.dialGlasses(t)

		// The client stops reading, so pings go unanswered while TCP stays open.
		require.Eventually(t, func() bool {
			view, err := r.sessions.View(testUser)
			return err == nil && view.State == "DISCONNECTED"
		}, 3*time.Second, 10*time.Millisecond)

		view, err := r.sessions.View(testUser)
		require.NoError(t, err)
		assert.Equal(t, ack["sessionId"], view.SessionID)
		assert.Equal(t, 1, r.table.Len())
	})

	t.Run("reconnect within grace resumes the session", func(t *testing.T) {
		r := newRelay(t)
		first, ack := r.dialGlasses(t)
		require.NoError(t, first.Close())

		require.Eventually(t, func() bool {
			view, err := r.sessions.View(testUser)
			return err == nil && view.State == "DISCONNECTED"
		}, 2*time.Second, 10*time.Millisecond)

		_, again := r.dialGlasses(t)
		assert.Equal(t, ack["sessionId"], again["sessionId"])
		assert.Equal(t, true, again["resumed"])
	})
}

func TestGlassesHandler_AppFlow(t *testing.T) {
	r := newRelay(t)
	glasses, ack := r.dialGlasses(t)

	require.NoError(t, glasses.WriteJSON(map[string]string{"type": "start_app", "packageName": testPkg}))

	tpa := r.nextTpa(t)
	tpaAck := readFrame(t, tpa)
	assert.Equal(t, "tpa_connection_ack", tpaAck["type"])
	assert.Equal(t, ack["sessionId"], tpaAck["sessionId"])

	for {
		m := readUntil(t, glasses, "app_state_change")
		if m["status"] == "running" {
			assert.Equal(t, testPkg, m["packageName"])
			break
		}
	}

	require.NoError(t, tpa.WriteJSON(map[string]any{
		"type":          "subscription_update",
		"subscriptions": []string{"button_press"},
	}))
	require.Eventually(t, func() bool {
		view, err := r.sessions.View(testUser)
		return err == nil && len(view.Subscriptions[testPkg]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Garbage from glasses is reported without closing the socket.
	require.NoError(t, glasses.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "connection_error", readUntil(t, glasses, "connection_error")["type"])
	require.NoError(t, glasses.WriteJSON(map[string]string{"type": "button_press", "buttonId": "main"}))

	ds := readUntil(t, tpa, "data_stream")
	assert.Equal(t, "button_press", ds["streamType"])
	data, ok := ds["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "main", data["buttonId"])

	require.NoError(t, tpa.WriteJSON(map[string]any{
		"type":   "display_event",
		"layout": map[string]string{"layoutType": "text_wall", "text": "hi"},
	}))
	display := readUntil(t, glasses, "display_event")
	assert.Equal(t, testPkg, display["packageName"])

	require.NoError(t, glasses.WriteJSON(map[string]string{"type": "stop_app", "packageName": testPkg}))
	assert.Equal(t, 4000, readClose(t, tpa))
}

func TestGlassesHandler_Logout(t *testing.T) {
	r := newRelay(t)
	glasses, _ := r.dialGlasses(t)

	require.NoError(t, glasses.WriteJSON(map[string]string{"type": "logout"}))

	assert.Equal(t, websocket.CloseNormalClosure, readClose(t, glasses))
	require.Eventually(t, func() bool { return r.table.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
