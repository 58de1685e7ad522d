package sampleresults

import (
	"sync"
	"time"
)

// ViewState is the per-sample state owned by an operator session.
type ViewState struct {
	ConfirmPending bool                   `json:"confirm_pending"`
	Saving         bool                   `json:"saving"`
	DetailsOpen    bool                   `json:"details_open"`
	MoreDetails    bool                   `json:"more_details"`
	External       *ExternalSystemContext `json:"external_context,omitempty"`
}

// Session holds one operator's view state, cached settings and messages.
// It is created on the operator's first request and dropped on logout.
type Session struct {
	ID       string
	UserID   string
	Messages MessageBus

	mu       sync.Mutex
	views    map[string]*ViewState
	settings map[string]string
	lastSeen time.Time
}

func NewSession(id, userID string, messages MessageBus) *Session {
	return &Session{
		ID:       id,
		UserID:   userID,
		Messages: messages,
		views:    make(map[string]*ViewState),
		settings: make(map[string]string),
		lastSeen: time.Now(),
	}
}

func (s *Session) view(sampleID string) *ViewState {
	v, ok := s.views[sampleID]
	if !ok {
		v = &ViewState{}
		s.views[sampleID] = v
	}
	return v
}

// View returns a copy of the sample's view state.
func (s *Session) View(sampleID string) ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.views[sampleID]; ok {
		return *v
	}
	return ViewState{}
}

func (s *Session) SetConfirmPending(sampleID string, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view(sampleID).ConfirmPending = pending
}

func (s *Session) ConfirmPending(sampleID string) bool {
	return s.View(sampleID).ConfirmPending
}

// BeginSaving marks the sample as saving. It returns false when a dispatch
// for the sample is already in flight.
func (s *Session) BeginSaving(sampleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view(sampleID)
	if v.Saving {
		return false
	}
	v.Saving = true
	return true
}

func (s *Session) EndSaving(sampleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view(sampleID).Saving = false
}

func (s *Session) Saving(sampleID string) bool {
	return s.View(sampleID).Saving
}

func (s *Session) ToggleDetails(sampleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view(sampleID)
	v.DetailsOpen = !v.DetailsOpen
	return v.DetailsOpen
}

func (s *Session) ToggleMoreDetails(sampleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view(sampleID)
	v.MoreDetails = !v.MoreDetails
	return v.MoreDetails
}

func (s *Session) SetMoreDetails(sampleID string, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view(sampleID).MoreDetails = open
}

func (s *Session) SetExternalContext(sampleID string, ext *ExternalSystemContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view(sampleID).External = ext
}

func (s *Session) ExternalContext(sampleID string) *ExternalSystemContext {
	return s.View(sampleID).External
}

// Setting returns a cached setting value.
func (s *Session) Setting(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok
}

func (s *Session) CacheSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

type closableBus interface {
	Close()
}

func (s *Session) close() {
	if c, ok := s.Messages.(closableBus); ok {
		c.Close()
	}
}

// SessionStore owns the live operator sessions, one per user.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	newBus   func(sessionID string) MessageBus
}

// NewSessionStore creates a store. newBus builds the message bus for each
// new session; nil selects an in-process TransientMessageBus.
func NewSessionStore(newBus func(sessionID string) MessageBus) *SessionStore {
	if newBus == nil {
		newBus = func(string) MessageBus { return NewTransientMessageBus() }
	}
	return &SessionStore{sessions: make(map[string]*Session), newBus: newBus}
}

// ForUser returns the user's session, creating it on first use.
func (st *SessionStore) ForUser(userID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[userID]
	if !ok {
		s = NewSession(userID, userID, st.newBus(userID))
		st.sessions[userID] = s
	}
	s.touch()
	return s
}

// Drop ends the user's session and releases its messages.
func (st *SessionStore) Drop(userID string) bool {
	st.mu.Lock()
	s, ok := st.sessions[userID]
	delete(st.sessions, userID)
	st.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// Expire drops sessions idle for longer than maxIdle and returns how many.
func (st *SessionStore) Expire(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	st.mu.Lock()
	var stale []*Session
	for id, s := range st.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()
	for _, s := range stale {
		s.close()
	}
	return len(stale)
}

func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
