package session

import "sync"

// Table indexes live sessions by id and by user. It is created once at startup and
// owned by the session service; other components receive it explicitly.
type Table struct {
	mu     sync.RWMutex
	byID   map[string]*UserSession
	byUser map[string]*UserSession
}

func NewTable() *Table {
	return &Table{
		byID:   make(map[string]*UserSession),
		byUser: make(map[string]*UserSession),
	}
}

func (t *Table) Get(sessionID string) (*UserSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[sessionID]
	return s, ok
}

func (t *Table) ByUser(userID string) (*UserSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byUser[userID]
	return s, ok
}

// GetOrCreate returns the user's session if usable reports true for it. Otherwise it
// indexes a new session from create and also returns the stale one it displaced, if
// any, so the caller can tear it down.
func (t *Table) GetOrCreate(userID string, usable func(*UserSession) bool, create func() *UserSession) (s, stale *UserSession, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byUser[userID]; ok {
		if usable(existing) {
			return existing, nil, false
		}
		delete(t.byID, existing.ID)
		stale = existing
	}

	s = create()
	t.byID[s.ID] = s
	t.byUser[userID] = s
	return s, stale, true
}

// Remove drops s if it is still the indexed session for its id.
func (t *Table) Remove(s *UserSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byID[s.ID] != s {
		return false
	}
	delete(t.byID, s.ID)
	if t.byUser[s.UserID] == s {
		delete(t.byUser, s.UserID)
	}
	return true
}

func (t *Table) All() []*UserSession {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*UserSession, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
