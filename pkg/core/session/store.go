package session

import (
	"sync"

	"github.com/callcore-ai/callcore/pkg/core"
)

// Store is the concurrent-safe registry of live sessions. The store mutex
// only guards the map itself; per-session serialization is the session
// execution lock, so operations on distinct call ids never block each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a new session in the CREATED state. It fails with
// duplicate_session if the call id is already present.
func (st *Store) Create(callID string, metadata map[string]string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[callID]; ok {
		return nil, core.NewDuplicateSessionError(callID)
	}
	sess := newSession(callID, metadata)
	st.sessions[callID] = sess
	return sess, nil
}

// Get returns the session for the call id, failing with session_not_found
// if absent.
func (st *Store) Get(callID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[callID]
	if !ok {
		return nil, core.NewSessionNotFoundError(callID)
	}
	return sess, nil
}

// Transition moves the session to a new state, validating against the state
// machine. Attempts out of a terminal state fail with invalid_transition and
// are never silently ignored.
func (st *Store) Transition(callID string, to State) (State, error) {
	sess, err := st.Get(callID)
	if err != nil {
		return "", err
	}
	return sess.transition(to)
}

// Remove deletes the session entry. Removing an unknown id is a no-op, which
// tolerates duplicate end signals from the telephony side.
func (st *Store) Remove(callID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, callID)
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Each calls fn for every registered session. The snapshot is taken under
// the read lock, so registrations during iteration are not observed.
func (st *Store) Each(fn func(*Session)) {
	st.mu.RLock()
	snapshot := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		snapshot = append(snapshot, sess)
	}
	st.mu.RUnlock()
	for _, sess := range snapshot {
		fn(sess)
	}
}

func errInvalidTransition(callID string, from, to State) error {
	return core.NewInvalidTransitionError(callID, string(from), string(to))
}

func errTerminalAppend(callID string, state State) error {
	return core.NewInvalidTransitionError(callID, string(state), string(StateInProgress))
}
