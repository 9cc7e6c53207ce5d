// Package session holds the per-user session state shared by the glasses gateway,
// the TPA connection manager and the stream router.
package session

import (
	"slices"
	"sync"
	"time"

	apperrors "github.com/augmentos/cloud-relay-go/internal/errors"
)

type State string

const (
	StateActive       State = "ACTIVE"
	StateDisconnected State = "DISCONNECTED"
	StateExpired      State = "EXPIRED"
)

// UserSession is the canonical state of one user's session. Its lock also guards
// every TpaConnection it owns.
type UserSession struct {
	ID        string
	UserID    string
	StartTime time.Time

	mu             sync.RWMutex
	state          State
	glasses        Socket
	disconnectedAt time.Time
	disconnectGen  uint64
	graceTimer     *time.Timer

	installedApps  []string
	activeApps     []string
	loadingApps    []string
	appConnections map[string]*TpaConnection
	recoverable    map[string]bool
	isTranscribing bool
	photoRequests  map[string]string // requestId -> packageName
}

func New(id, userID string, installedApps []string, now time.Time) *UserSession {
	return &UserSession{
		ID:             id,
		UserID:         userID,
		StartTime:      now,
		state:          StateActive,
		installedApps:  slices.Clone(installedApps),
		appConnections: make(map[string]*TpaConnection),
		recoverable:    make(map[string]bool),
		photoRequests:  make(map[string]string),
	}
}

func (s *UserSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *UserSession) DisconnectedAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectedAt, s.state == StateDisconnected
}

func (s *UserSession) Glasses() Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.glasses
}

// Resume binds sock as the glasses connection. It fails when the session has expired
// or has been disconnected for longer than grace. The previously bound socket, if
// any, is returned so the caller can close it as superseded.
func (s *UserSession) Resume(sock Socket, now time.Time, grace time.Duration) (Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateExpired:
		return nil, false
	case StateDisconnected:
		if now.Sub(s.disconnectedAt) > grace {
			return nil, false
		}
	}

	prev := s.glasses
	s.glasses = sock
	s.state = StateActive
	s.disconnectedAt = time.Time{}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	return prev, true
}

// MarkDisconnected records that sock dropped. Closes of a socket that has already
// been superseded are ignored. The returned generation identifies this disconnect.
func (s *UserSession) MarkDisconnected(sock Socket, now time.Time) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive || s.glasses != sock {
		return 0, false
	}
	s.glasses = nil
	s.state = StateDisconnected
	s.disconnectedAt = now
	s.disconnectGen++
	return s.disconnectGen, true
}

// StartGraceTimer arms the expiry timer for disconnect generation gen.
func (s *UserSession) StartGraceTimer(gen uint64, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected || s.disconnectGen != gen {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(d, fn)
}

// Expire ends a disconnected session whose grace period for gen has run out. It
// returns false if the glasses came back in the meantime.
func (s *UserSession) Expire(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected || s.disconnectGen != gen {
		return false
	}
	s.expireLocked()
	return true
}

// ExpireIfStale is the sweep backstop for sessions whose timer was lost.
func (s *UserSession) ExpireIfStale(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected || now.Sub(s.disconnectedAt) <= grace {
		return false
	}
	s.expireLocked()
	return true
}

// Terminate ends the session regardless of state and returns the glasses socket
// that was bound, if any.
func (s *UserSession) Terminate() (Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExpired {
		return nil, false
	}
	sock := s.glasses
	s.expireLocked()
	return sock, true
}

func (s *UserSession) expireLocked() {
	s.state = StateExpired
	s.glasses = nil
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// SendToGlasses queues v for the glasses client. While disconnected the frame is
// dropped and false is returned.
func (s *UserSession) SendToGlasses(v any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.glasses == nil {
		return false
	}
	return s.glasses.SendJSON(v) == nil
}

// Installed apps

func (s *UserSession) InstalledApps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.installedApps)
}

func (s *UserSession) IsInstalled(packageName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.installedApps, packageName)
}

func (s *UserSession) AddInstalledApp(packageName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.installedApps, packageName) {
		s.installedApps = append(s.installedApps, packageName)
	}
}

func (s *UserSession) RemoveInstalledApp(packageName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installedApps = remove(s.installedApps, packageName)
}

// Running apps

func (s *UserSession) ActiveApps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.activeApps)
}

func (s *UserSession) LoadingApps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.loadingApps)
}

func (s *UserSession) IsActive(packageName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.activeApps, packageName)
}

func (s *UserSession) IsLoading(packageName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.loadingApps, packageName)
}

// IsRecoverable reports whether packageName lost its connection permanently and
// should be restarted when its server registers again.
func (s *UserSession) IsRecoverable(packageName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recoverable[packageName]
}

func (s *UserSession) Connection(packageName string) *TpaConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appConnections[packageName]
}

func (s *UserSession) Connections() []*TpaConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TpaConnection, 0, len(s.appConnections))
	for _, pkg := range append(slices.Clone(s.activeApps), s.loadingApps...) {
		if conn := s.appConnections[pkg]; conn != nil {
			out = append(out, conn)
		}
	}
	return out
}

// Activation is the outcome of BeginActivation.
type Activation int

const (
	// ActivationStarted means the caller owns this activation and must trigger the TPA.
	ActivationStarted Activation = iota
	// ActivationJoined means another caller is already activating; wait on ready.
	ActivationJoined
	// ActivationExisting means the connection is ACTIVE or ACK_PENDING already.
	ActivationExisting
)

// BeginActivation moves packageName toward CONNECTING. A package that is not running
// is added to loadingApps in the same step so the two never disagree.
func (s *UserSession) BeginActivation(packageName string) (*TpaConnection, Activation, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExpired {
		return nil, 0, nil, apperrors.SessionNotFound()
	}

	if conn := s.appConnections[packageName]; conn != nil {
		switch conn.state {
		case ConnActive, ConnAckPending:
			return conn, ActivationExisting, nil, nil
		case ConnConnecting:
			return conn, ActivationJoined, conn.ready, nil
		case ConnUnhealthy:
			conn.stopRetryLocked()
			conn.state = ConnConnecting
			conn.ready = make(chan struct{})
			conn.readyErr = nil
			return conn, ActivationStarted, conn.ready, nil
		}
	}

	conn := &TpaConnection{
		PackageName: packageName,
		SessionID:   s.ID,
		owner:       s,
		state:       ConnConnecting,
		ready:       make(chan struct{}),
	}
	s.appConnections[packageName] = conn
	delete(s.recoverable, packageName)
	if !slices.Contains(s.activeApps, packageName) && !slices.Contains(s.loadingApps, packageName) {
		s.loadingApps = append(s.loadingApps, packageName)
	}
	return conn, ActivationStarted, conn.ready, nil
}

// BeginReconnect starts a reconnection attempt for conn. It fails if conn has been
// removed or is no longer waiting to reconnect.
func (s *UserSession) BeginReconnect(conn *TpaConnection) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExpired || s.appConnections[conn.PackageName] != conn || conn.state != ConnUnhealthy {
		return nil, false
	}
	conn.stopRetryLocked()
	conn.state = ConnConnecting
	conn.ready = make(chan struct{})
	conn.readyErr = nil
	return conn.ready, true
}

// FailActivation resolves a pending activation with err. A running app being
// reconnected drops back to UNHEALTHY; an app that never ran is removed. The socket
// of a half-finished dial-in is returned for closing.
func (s *UserSession) FailActivation(conn *TpaConnection, ready <-chan struct{}, err error) (TpaSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appConnections[conn.PackageName] != conn || conn.ready == nil || (<-chan struct{})(conn.ready) != ready {
		return nil, false
	}
	if conn.state != ConnConnecting && conn.state != ConnAckPending {
		return nil, false
	}

	if slices.Contains(s.activeApps, conn.PackageName) {
		conn.state = ConnUnhealthy
		conn.finishActivationLocked(err)
		sock := conn.socket
		conn.socket = nil
		return sock, false
	}

	s.dropLocked(conn.PackageName)
	return conn.closeLocked(err), true
}

// AcceptDialIn binds a TPA socket that has passed key verification. It creates the
// connection if the TPA dialed in without an activation. Any socket it replaces is
// returned.
func (s *UserSession) AcceptDialIn(packageName string, sock TpaSocket) (*TpaConnection, uint64, TpaSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExpired {
		return nil, 0, nil, apperrors.SessionNotFound()
	}

	conn := s.appConnections[packageName]
	if conn == nil {
		conn = &TpaConnection{
			PackageName: packageName,
			SessionID:   s.ID,
			owner:       s,
		}
		s.appConnections[packageName] = conn
		delete(s.recoverable, packageName)
		if !slices.Contains(s.activeApps, packageName) && !slices.Contains(s.loadingApps, packageName) {
			s.loadingApps = append(s.loadingApps, packageName)
		}
	}

	conn.stopRetryLocked()
	prev := conn.socket
	conn.socket = sock
	conn.generation++
	conn.state = ConnAckPending
	conn.awaitingPong = false
	conn.missedPongs = 0
	return conn, conn.generation, prev, nil
}

// CompleteActivation finishes ACK_PENDING -> ACTIVE. ack is queued on the socket
// before the state flips so it is the first frame the TPA sees.
func (s *UserSession) CompleteActivation(conn *TpaConnection, gen uint64, ack any, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appConnections[conn.PackageName] != conn || conn.generation != gen || conn.state != ConnAckPending {
		return false
	}
	if err := conn.socket.SendJSON(ack); err != nil {
		return false
	}

	conn.state = ConnActive
	conn.lastHealthCheckAt = now
	s.loadingApps = remove(s.loadingApps, conn.PackageName)
	if !slices.Contains(s.activeApps, conn.PackageName) {
		s.activeApps = append(s.activeApps, conn.PackageName)
	}
	conn.finishActivationLocked(nil)
	return true
}

// RejectActivation fails a CONNECTING activation for packageName because the TPA
// could not authenticate. Auth failures are terminal, so the app is removed even if
// it was running. It reports whether the app had been running.
func (s *UserSession) RejectActivation(packageName string, err error) (rejected, wasActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.appConnections[packageName]
	if conn == nil || conn.state != ConnConnecting {
		return false, false
	}
	wasActive = slices.Contains(s.activeApps, packageName)
	s.dropLocked(packageName)
	conn.closeLocked(err)
	return true, wasActive
}

type CloseOutcome int

const (
	CloseIgnored CloseOutcome = iota
	CloseReconnect
	CloseTerminal
)

// ConnectionClosed applies a socket close for generation gen. Transient closes of a
// running app leave it UNHEALTHY awaiting reconnection; anything else removes it.
// The second result reports whether the app had been running.
func (s *UserSession) ConnectionClosed(conn *TpaConnection, gen uint64, transient bool) (CloseOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appConnections[conn.PackageName] != conn || conn.generation != gen {
		return CloseIgnored, false
	}
	switch conn.state {
	case ConnClosed, ConnConnecting:
		return CloseIgnored, false
	case ConnUnhealthy:
		// Whoever marked it unhealthy already owns the reconnect.
		conn.socket = nil
		return CloseIgnored, false
	}

	wasActive := slices.Contains(s.activeApps, conn.PackageName)
	if transient && wasActive {
		conn.state = ConnUnhealthy
		conn.socket = nil
		return CloseReconnect, true
	}

	s.dropLocked(conn.PackageName)
	var err error
	if transient {
		err = apperrors.TransientConnection("connection lost during activation", nil)
	}
	conn.closeLocked(err)
	return CloseTerminal, wasActive
}

// GiveUp removes a connection whose reconnection attempts are exhausted and marks
// the package for restart when its server registers again.
func (s *UserSession) GiveUp(conn *TpaConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appConnections[conn.PackageName] != conn || conn.state == ConnClosed {
		return false
	}
	s.dropLocked(conn.PackageName)
	conn.closeLocked(apperrors.TransientConnection("reconnection attempts exhausted", nil))
	if s.state != StateExpired {
		s.recoverable[conn.PackageName] = true
	}
	return true
}

// RemoveApp tears down packageName's connection for an intentional stop. It returns
// the socket to close and whether the app was running or loading.
func (s *UserSession) RemoveApp(packageName string) (TpaSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recoverable, packageName)
	existed := slices.Contains(s.activeApps, packageName) || slices.Contains(s.loadingApps, packageName)
	conn := s.appConnections[packageName]
	s.dropLocked(packageName)
	if conn == nil {
		return nil, existed
	}
	return conn.closeLocked(nil), true
}

// ClosedApp is a connection removed by TakeConnections.
type ClosedApp struct {
	PackageName string
	Socket      TpaSocket
}

// TakeConnections removes every connection, for session teardown.
func (s *UserSession) TakeConnections() []ClosedApp {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ClosedApp, 0, len(s.appConnections))
	for _, pkg := range append(slices.Clone(s.activeApps), s.loadingApps...) {
		conn := s.appConnections[pkg]
		if conn == nil {
			continue
		}
		out = append(out, ClosedApp{PackageName: pkg, Socket: conn.closeLocked(nil)})
	}
	s.appConnections = make(map[string]*TpaConnection)
	s.activeApps = nil
	s.loadingApps = nil
	s.recoverable = make(map[string]bool)
	s.photoRequests = make(map[string]string)
	return out
}

func (s *UserSession) dropLocked(packageName string) {
	delete(s.appConnections, packageName)
	s.activeApps = remove(s.activeApps, packageName)
	s.loadingApps = remove(s.loadingApps, packageName)
}

// ForEachActiveApp calls fn for each listed package whose connection is ACTIVE, in
// order, under the session read lock. Non-active connections are skipped.
func (s *UserSession) ForEachActiveApp(packageNames []string, fn func(packageName string, sock TpaSocket)) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, pkg := range packageNames {
		conn := s.appConnections[pkg]
		if conn == nil || conn.state != ConnActive || conn.socket == nil {
			continue
		}
		fn(pkg, conn.socket)
		n++
	}
	return n
}

// WithActiveApp runs fn under the session write lock if packageName's connection is
// ACTIVE, so subscription changes serialize with stops. fn must not call back into
// the session.
func (s *UserSession) WithActiveApp(packageName string, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.appConnections[packageName]
	if s.state == StateExpired || conn == nil || conn.state != ConnActive {
		return false
	}
	fn()
	return true
}

// WithoutApp runs fn under the session write lock if packageName has no connection.
// Subscription cleanup goes through here so a restarted app's new subscriptions are
// never wiped by a stale cleanup.
func (s *UserSession) WithoutApp(packageName string, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appConnections[packageName] != nil {
		return false
	}
	fn()
	return true
}

// SendToApp queues v for one ACTIVE TPA connection.
func (s *UserSession) SendToApp(packageName string, v any) bool {
	delivered := false
	s.ForEachActiveApp([]string{packageName}, func(_ string, sock TpaSocket) {
		delivered = sock.SendJSON(v) == nil
	})
	return delivered
}

func (s *UserSession) IsTranscribing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isTranscribing
}

// SetTranscribing stores the flag and reports whether it changed.
func (s *UserSession) SetTranscribing(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.isTranscribing != v
	s.isTranscribing = v
	return changed
}

// Photo requests are answered by glasses and delivered only to the TPA that asked.

func (s *UserSession) AddPhotoRequest(requestID, packageName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photoRequests[requestID] = packageName
}

func (s *UserSession) TakePhotoRequest(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.photoRequests[requestID]
	delete(s.photoRequests, requestID)
	return pkg, ok
}

type Snapshot struct {
	SessionID      string               `json:"sessionId"`
	UserID         string               `json:"userId"`
	State          State                `json:"state"`
	StartTime      time.Time            `json:"startTime"`
	DisconnectedAt *time.Time           `json:"disconnectedAt,omitempty"`
	InstalledApps  []string             `json:"installedApps"`
	ActiveApps     []string             `json:"activeAppSessions"`
	LoadingApps    []string             `json:"loadingApps"`
	Connections    map[string]ConnState `json:"appConnections"`
	HealthChecks   map[string]time.Time `json:"lastHealthCheckAt"`
	IsTranscribing bool                 `json:"isTranscribing"`
}

func (s *UserSession) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SessionID:      s.ID,
		UserID:         s.UserID,
		State:          s.state,
		StartTime:      s.StartTime,
		InstalledApps:  nonNil(s.installedApps),
		ActiveApps:     nonNil(s.activeApps),
		LoadingApps:    nonNil(s.loadingApps),
		Connections:    make(map[string]ConnState, len(s.appConnections)),
		HealthChecks:   make(map[string]time.Time),
		IsTranscribing: s.isTranscribing,
	}
	if s.state == StateDisconnected {
		at := s.disconnectedAt
		snap.DisconnectedAt = &at
	}
	for pkg, conn := range s.appConnections {
		snap.Connections[pkg] = conn.state
		if !conn.lastHealthCheckAt.IsZero() {
			snap.HealthChecks[pkg] = conn.lastHealthCheckAt
		}
	}
	return snap
}

func remove(list []string, v string) []string {
	return slices.DeleteFunc(list, func(s string) bool { return s == v })
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return slices.Clone(list)
}
