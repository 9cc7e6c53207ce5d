// Package subscription tracks which TPAs want which streams, per session.
package subscription

import (
	"sync"

	"github.com/augmentos/cloud-relay-go/internal/stream"
)

// Registry maps session -> TPA -> subscribed streams. It is purely in memory.
// The outer lock only guards the session index; each session's entries have their
// own lock so sessions never contend with each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionSubscriptions
}

type sessionSubscriptions struct {
	mu      sync.RWMutex
	order   []string // packageNames in first-subscription order
	streams map[string][]stream.Extended
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionSubscriptions),
	}
}

// SetSubscriptions replaces the TPA's subscription set. Unknown stream identifiers
// reject the whole update and leave the previous set in place.
func (r *Registry) SetSubscriptions(sessionID, packageName string, raw []string) ([]stream.Extended, error) {
	streams, err := stream.ParseAll(raw)
	if err != nil {
		return nil, err
	}
	r.Set(sessionID, packageName, streams)
	return streams, nil
}

// Set replaces the TPA's subscription set with already-parsed streams. An empty set
// removes the TPA from the session entirely.
func (r *Registry) Set(sessionID, packageName string, streams []stream.Extended) {
	if len(streams) == 0 {
		r.Clear(sessionID, packageName)
		return
	}

	subs := r.session(sessionID, true)
	copied := append([]stream.Extended(nil), streams...)

	subs.mu.Lock()
	defer subs.mu.Unlock()

	if _, exists := subs.streams[packageName]; !exists {
		subs.order = append(subs.order, packageName)
	}
	subs.streams[packageName] = copied
}

// SubscribersFor returns the TPAs subscribed to key in subscription order. A
// language-specific key only matches subscribers of exactly that key, and the
// plain key never matches language-specific subscribers.
func (r *Registry) SubscribersFor(sessionID string, key stream.Extended) []string {
	subs := r.session(sessionID, false)
	if subs == nil {
		return nil
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()

	var out []string
	for _, pkg := range subs.order {
		if matches(subs.streams[pkg], key) {
			out = append(out, pkg)
		}
	}
	return out
}

// Subscriptions returns a copy of one TPA's subscription set.
func (r *Registry) Subscriptions(sessionID, packageName string) []stream.Extended {
	subs := r.session(sessionID, false)
	if subs == nil {
		return nil
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()

	return append([]stream.Extended(nil), subs.streams[packageName]...)
}

// Snapshot returns packageName -> subscribed keys for the whole session.
func (r *Registry) Snapshot(sessionID string) map[string][]string {
	out := make(map[string][]string)
	subs := r.session(sessionID, false)
	if subs == nil {
		return out
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()

	for _, pkg := range subs.order {
		keys := make([]string, 0, len(subs.streams[pkg]))
		for _, s := range subs.streams[pkg] {
			keys = append(keys, s.String())
		}
		out[pkg] = keys
	}
	return out
}

// Clear removes every entry the TPA holds in the session.
func (r *Registry) Clear(sessionID, packageName string) {
	subs := r.session(sessionID, false)
	if subs == nil {
		return
	}

	subs.mu.Lock()
	defer subs.mu.Unlock()

	if _, exists := subs.streams[packageName]; !exists {
		return
	}
	delete(subs.streams, packageName)
	for i, pkg := range subs.order {
		if pkg == packageName {
			subs.order = append(subs.order[:i], subs.order[i+1:]...)
			break
		}
	}
}

// ClearSession drops every subscription held in the session.
func (r *Registry) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// IsTranscribingRequired is true iff some TPA in the session holds a transcription
// or translation stream, plain or language-specific.
func (r *Registry) IsTranscribingRequired(sessionID string) bool {
	subs := r.session(sessionID, false)
	if subs == nil {
		return false
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()

	for _, pkg := range subs.order {
		for _, s := range subs.streams[pkg] {
			if s.IsTranscriptionFamily() {
				return true
			}
		}
	}
	return false
}

// Languages returns the distinct language-specific speech keys requested in the
// session, which is what a speech service needs to configure recognizers.
func (r *Registry) Languages(sessionID string) []stream.Extended {
	subs := r.session(sessionID, false)
	if subs == nil {
		return nil
	}

	subs.mu.RLock()
	defer subs.mu.RUnlock()

	seen := make(map[stream.Extended]bool)
	var out []stream.Extended
	for _, pkg := range subs.order {
		for _, s := range subs.streams[pkg] {
			if s.IsTranscriptionFamily() && s.IsLanguageSpecific() && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func (r *Registry) session(sessionID string, create bool) *sessionSubscriptions {
	r.mu.RLock()
	subs := r.sessions[sessionID]
	r.mu.RUnlock()
	if subs != nil || !create {
		return subs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if subs = r.sessions[sessionID]; subs == nil {
		subs = &sessionSubscriptions{streams: make(map[string][]stream.Extended)}
		r.sessions[sessionID] = subs
	}
	return subs
}

func matches(held []stream.Extended, key stream.Extended) bool {
	for _, s := range held {
		if s == key {
			return true
		}
		if s.IsWildcard() && key.MatchedByWildcard() {
			return true
		}
	}
	return false
}
