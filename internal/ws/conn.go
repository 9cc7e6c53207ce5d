// Package ws wraps gorilla/websocket connections with a buffered writer goroutine and
// an inbound frame channel, so each connection is served by a single dispatch loop.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/config"
)

// Frame is one inbound message.
type Frame struct {
	Binary     bool
	Data       []byte
	ReceivedAt time.Time
}

var ErrClosed = errors.New("websocket closed")

type outbound struct {
	messageType int
	data        []byte
	close       bool
	code        int
	reason      string
}

type Conn struct {
	conn   *websocket.Conn
	send   chan outbound
	frames chan Frame
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	downOnce  sync.Once

	mu          sync.Mutex
	onPong      func()
	closeCode   int
	closeReason string
	closeSet    bool
	started     bool

	pongWait     time.Duration
	pingInterval time.Duration
}

// NewUpgrader returns an upgrader that accepts the listed origins, or any origin when
// the list is empty. Requests without an Origin header are native clients and pass.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  config.WSReadBufferSize,
		WriteBufferSize: config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

func New(c *websocket.Conn) *Conn {
	wc := &Conn{
		conn:   c,
		send:   make(chan outbound, config.WSSendQueueSize),
		frames: make(chan Frame, config.WSFrameQueueSize),
		done:   make(chan struct{}),
	}
	c.SetReadLimit(config.WSMaxMessageBytes)
	c.SetPongHandler(func(string) error {
		wc.extendReadDeadline()
		wc.mu.Lock()
		fn := wc.onPong
		wc.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	})
	return wc
}

// Start launches the read and write goroutines. Frames is closed when reading stops.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.readLoop()
		go c.writeLoop()
		if c.pingInterval > 0 {
			go c.pingLoop()
		}
	})
}

// KeepAlive makes the connection ping every pingInterval and drop the socket when
// nothing, pongs included, arrives within pongWait. Call it before Start.
func (c *Conn) KeepAlive(pongWait, pingInterval time.Duration) {
	c.pongWait = pongWait
	c.pingInterval = pingInterval
}

func (c *Conn) extendReadDeadline() {
	if c.pongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil && !errors.Is(err, ErrClosed) {
				log.Debug().Err(err).Str("remoteAddr", c.RemoteAddr()).Msg("websocket ping failed")
			}
		}
	}
}

func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Done is closed once the underlying socket is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// OnPong registers a callback run on every pong.
func (c *Conn) OnPong(fn func()) {
	c.mu.Lock()
	c.onPong = fn
	c.mu.Unlock()
}

// SendJSON encodes v and queues it. It never blocks: a full queue drops the frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{messageType: websocket.TextMessage, data: data})
}

// SendText queues an already-encoded JSON frame.
func (c *Conn) SendText(data []byte) error {
	return c.enqueue(outbound{messageType: websocket.TextMessage, data: data})
}

func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(outbound{messageType: websocket.BinaryMessage, data: data})
}

var ErrQueueFull = errors.New("websocket send queue full")

func (c *Conn) enqueue(msg outbound) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (c *Conn) Ping() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteWait))
}

// Close sends a close frame after any frames already queued, then drops the socket.
// Only the first call has an effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.recordClose(code, reason)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started {
			c.writeClose(code, reason)
			c.shutdown()
			return
		}
		select {
		case c.send <- outbound{close: true, code: code, reason: reason}:
		default:
			c.writeClose(code, reason)
			c.shutdown()
		}
	})
}

// CloseStatus reports the first close code observed, local or remote. A socket that
// dropped without a close frame reports 1006.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closeSet {
		return websocket.CloseAbnormalClosure, ""
	}
	return c.closeCode, c.closeReason
}

func (c *Conn) recordClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSet {
		return
	}
	c.closeSet = true
	c.closeCode = code
	c.closeReason = reason
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	defer c.shutdown()

	c.extendReadDeadline()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.recordClose(closeErr.Code, closeErr.Text)
			} else {
				c.recordClose(websocket.CloseAbnormalClosure, "")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("remoteAddr", c.RemoteAddr()).Msg("websocket read ended")
			}
			return
		}
		c.extendReadDeadline()

		frame := Frame{
			Binary:     messageType == websocket.BinaryMessage,
			Data:       data,
			ReceivedAt: time.Now().UTC(),
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if msg.close {
				c.writeClose(msg.code, msg.reason)
				c.shutdown()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteWait))
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				log.Debug().Err(err).Str("remoteAddr", c.RemoteAddr()).Msg("websocket write failed")
				c.shutdown()
				return
			}
		}
	}
}

func (c *Conn) writeClose(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(config.WSWriteWait))
}

func (c *Conn) shutdown() {
	c.downOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
