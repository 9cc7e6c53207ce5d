package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve upgrades one connection and hands the wrapped Conn to the test.
func serve(t *testing.T, setup ...func(*Conn)) (*websocket.Conn, <-chan *Conn) {
	t.Helper()

	conns := make(chan *Conn, 1)
	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wc := New(c)
		for _, fn := range setup {
			fn(wc)
		}
		wc.Start()
		conns <- wc
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, conns
}

func TestConn_FramesAndSend(t *testing.T) {
	client, conns := serve(t)
	server := <-conns

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	text := <-server.Frames()
	assert.False(t, text.Binary)
	assert.JSONEq(t, `{"type":"hello"}`, string(text.Data))
	assert.False(t, text.ReceivedAt.IsZero())

	bin := <-server.Frames()
	assert.True(t, bin.Binary)
	assert.Equal(t, []byte{1, 2, 3}, bin.Data)

	require.NoError(t, server.SendJSON(map[string]string{"type": "ack"}))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack"}`, string(data))
}

func TestConn_CloseFlushesQueuedFrames(t *testing.T) {
	client, conns := serve(t)
	server := <-conns

	require.NoError(t, server.SendJSON(map[string]string{"type": "app_stopped"}))
	server.Close(4000, "app stopped")

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"app_stopped"}`, string(data))

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4000))

	code, reason := server.CloseStatus()
	assert.Equal(t, 4000, code)
	assert.Equal(t, "app stopped", reason)

	select {
	case <-server.Done():
	case <-time.After(time.Second):
		t.Fatal("conn not shut down")
	}
	assert.ErrorIs(t, server.SendJSON(map[string]string{"type": "late"}), ErrClosed)
}

func TestConn_RemoteClose(t *testing.T) {
	client, conns := serve(t)
	server := <-conns

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")))

	for range server.Frames() {
	}

	code, reason := server.CloseStatus()
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, "bye", reason)
}

func TestConn_AbruptDropIsAbnormal(t *testing.T) {
	client, conns := serve(t)
	server := <-conns

	require.NoError(t, client.UnderlyingConn().Close())

	for range server.Frames() {
	}

	code, _ := server.CloseStatus()
	assert.Equal(t, websocket.CloseAbnormalClosure, code)
}

func TestConn_PongCallback(t *testing.T) {
	client, conns := serve(t)
	server := <-conns

	pongs := make(chan struct{}, 1)
	server.OnPong(func() { pongs <- struct{}{} })

	// The client only answers pings while it is reading.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, server.Ping())
	select {
	case <-pongs:
	case <-time.After(time.Second):
		t.Fatal("no pong")
	}
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "https://evil.example", true},
		{"star allows all", []string{"*"}, "https://evil.example", true},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
		{"native client without origin", []string{"https://app.example"}, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := NewUpgrader(tc.allowed)
			req := httptest.NewRequest(http.MethodGet, "/glasses-ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, u.CheckOrigin(req))
		})
	}
}

func TestConn_KeepAlive(t *testing.T) {
	keepAlive := func(c *Conn) { c.KeepAlive(150*time.Millisecond, 40*time.Millisecond) }

	t.Run("drops a peer that stops answering pings", func(t *testing.T) {
		_, conns := serve(t, keepAlive)
		server := <-conns

		// The client never reads, so pings go unanswered.
		select {
		case <-server.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("silent peer was not dropped")
		}
		for range server.Frames() {
		}

		code, _ := server.CloseStatus()
		assert.Equal(t, websocket.CloseAbnormalClosure, code)
	})

	t.Run("keeps a peer that answers pings", func(t *testing.T) {
		client, conns := serve(t, keepAlive)
		server := <-conns

		go func() {
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					return
				}
			}
		}()

		select {
		case <-server.Done():
			t.Fatal("responsive peer was dropped")
		case <-time.After(500 * time.Millisecond):
		}
	})
}
