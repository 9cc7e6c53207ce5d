// Package sessiontest provides an in-memory socket for tests of code built on
// session.Socket and session.TpaSocket.
package sessiontest

import (
	"encoding/json"
	"sync"

	"github.com/augmentos/cloud-relay-go/internal/ws"
)

// Socket records everything sent to it. Pong replies can be switched off to
// simulate a stalled peer.
type Socket struct {
	mu          sync.Mutex
	text        [][]byte
	binary      [][]byte
	pings       int
	closed      bool
	closeCode   int
	closeReason string
	onPong      func()
	silent      bool
	done        chan struct{}
}

func NewSocket() *Socket {
	return &Socket{done: make(chan struct{})}
}

func (s *Socket) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendText(data)
}

func (s *Socket) SendText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ws.ErrClosed
	}
	s.text = append(s.text, data)
	return nil
}

func (s *Socket) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ws.ErrClosed
	}
	s.binary = append(s.binary, data)
	return nil
}

func (s *Socket) Ping() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ws.ErrClosed
	}
	s.pings++
	fn, silent := s.onPong, s.silent
	s.mu.Unlock()

	if fn != nil && !silent {
		fn()
	}
	return nil
}

func (s *Socket) OnPong(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPong = fn
}

// StopPonging makes the socket ignore pings from now on.
func (s *Socket) StopPonging() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = true
}

func (s *Socket) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.done)
}

func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) Closed() (bool, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode, s.closeReason
}

func (s *Socket) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Messages returns every text frame decoded as a generic JSON object.
func (s *Socket) Messages() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.text))
	for _, raw := range s.text {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// MessagesOfType filters Messages by their "type" field.
func (s *Socket) MessagesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range s.Messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *Socket) Binary() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.binary...)
}

func (s *Socket) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = nil
	s.binary = nil
}
