package session

import (
	"errors"
	"time"
)

// ErrConnectionClosed is reported to activation waiters when the connection is torn
// down before it became ACTIVE.
var ErrConnectionClosed = errors.New("tpa connection closed")

// Socket is the outbound half of a live WebSocket. Sends never block.
type Socket interface {
	SendJSON(v any) error
	SendText(data []byte) error
	Close(code int, reason string)
	Done() <-chan struct{}
}

// TpaSocket adds what the heartbeat and audio fan-out need.
type TpaSocket interface {
	Socket
	SendBinary(data []byte) error
	Ping() error
	OnPong(fn func())
}

type ConnState string

const (
	ConnConnecting ConnState = "CONNECTING"
	ConnAckPending ConnState = "ACK_PENDING"
	ConnActive     ConnState = "ACTIVE"
	ConnUnhealthy  ConnState = "UNHEALTHY"
	ConnClosed     ConnState = "CLOSED"
)

// TpaConnection is one session x TPA link. All fields are guarded by the owning
// session's lock; a CLOSED connection is never reused.
type TpaConnection struct {
	PackageName string
	SessionID   string

	owner *UserSession

	socket            TpaSocket
	generation        uint64
	state             ConnState
	lastHealthCheckAt time.Time
	awaitingPong      bool
	missedPongs       int

	ready    chan struct{}
	readyErr error

	retryTimer *time.Timer
}

func (c *TpaConnection) State() ConnState {
	c.owner.mu.RLock()
	defer c.owner.mu.RUnlock()
	return c.state
}

// Socket returns the current socket and its generation. Events from an older
// generation refer to a socket that has since been replaced.
func (c *TpaConnection) Socket() (TpaSocket, uint64) {
	c.owner.mu.RLock()
	defer c.owner.mu.RUnlock()
	return c.socket, c.generation
}

// ActivationErr is valid once the ready channel returned by BeginActivation is closed.
func (c *TpaConnection) ActivationErr() error {
	c.owner.mu.RLock()
	defer c.owner.mu.RUnlock()
	return c.readyErr
}

// RecordPong clears the missed-pong count.
func (c *TpaConnection) RecordPong(now time.Time) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	c.awaitingPong = false
	c.missedPongs = 0
	c.lastHealthCheckAt = now
}

// HeartbeatTick is called once per health-check interval before sending a ping. It
// counts the previous ping as missed if no pong arrived and moves an ACTIVE
// connection to UNHEALTHY once maxMissed is reached.
func (c *TpaConnection) HeartbeatTick(generation uint64, maxMissed int) (unhealthy bool) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()

	if c.generation != generation || c.state != ConnActive {
		return false
	}
	if c.awaitingPong {
		c.missedPongs++
	}
	c.awaitingPong = true
	if c.missedPongs >= maxMissed {
		c.state = ConnUnhealthy
		return true
	}
	return false
}

// ScheduleRetry arms the reconnect timer if the connection is still waiting to be
// reconnected. The timer belongs to the connection and dies with it.
func (c *TpaConnection) ScheduleRetry(delay time.Duration, fn func()) bool {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()

	if c.state != ConnUnhealthy {
		return false
	}
	c.stopRetryLocked()
	c.retryTimer = time.AfterFunc(delay, fn)
	return true
}

func (c *TpaConnection) closeLocked(err error) TpaSocket {
	if err == nil {
		err = ErrConnectionClosed
	}
	c.stopRetryLocked()
	c.state = ConnClosed
	c.finishActivationLocked(err)
	sock := c.socket
	c.socket = nil
	return sock
}

func (c *TpaConnection) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *TpaConnection) finishActivationLocked(err error) {
	if c.ready == nil {
		return
	}
	select {
	case <-c.ready:
	default:
		c.readyErr = err
		close(c.ready)
	}
}
