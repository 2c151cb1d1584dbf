// Package session tracks the lifecycle and conversation history of phone
// call sessions.
package session

import (
	"strings"
	"sync"
	"time"
)

// State is a call session lifecycle state.
type State string

const (
	StateCreated    State = "CREATED"
	StateInProgress State = "IN_PROGRESS"
	StateEnded      State = "ENDED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// ValidTransition reports whether the state machine permits from -> to.
// Sessions only move forward: CREATED -> IN_PROGRESS -> ENDED, with FAILED
// reachable from either non-terminal state. IN_PROGRESS self-loops on each
// successful turn.
func ValidTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateInProgress || to == StateEnded || to == StateFailed
	case StateInProgress:
		return to == StateInProgress || to == StateEnded || to == StateFailed
	default:
		return false
	}
}

// Speaker identifies the side of a conversation turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one utterance in the conversation history.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the stateful record of one phone call. The call id and metadata
// are immutable after creation; history is append-only and only grows while
// the session is live.
//
// All operations on one session are serialized through its execution lock
// (see Lock); the accessors take an internal mutex so status reads do not
// have to contend with a turn in flight.
type Session struct {
	CallID    string
	CreatedAt time.Time

	// mu guards state, history and endedAt.
	mu       sync.Mutex
	state    State
	history  []Turn
	endedAt  time.Time
	metadata map[string]string

	// exec serializes turn processing and termination for this call id.
	// Held across whole turns, so adapter calls for one session never
	// interleave.
	exec sync.Mutex
}

func newSession(callID string, metadata map[string]string) *Session {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	return &Session{
		CallID:    callID,
		CreatedAt: time.Now().UTC(),
		state:     StateCreated,
		metadata:  meta,
	}
}

// Lock acquires the session's execution lock. Turns and end-call handling
// run under this lock, which is what makes turn submission order the history
// order.
func (s *Session) Lock() { s.exec.Lock() }

// Unlock releases the session's execution lock.
func (s *Session) Unlock() { s.exec.Unlock() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndedAt returns the termination timestamp, zero if the session is live.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Metadata returns the caller attribute with the given key.
func (s *Session) Metadata(key string) string {
	return s.metadata[key]
}

// MetadataCopy returns a copy of all caller attributes.
func (s *Session) MetadataCopy() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// History returns a copy of the conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryLen returns the number of recorded turns.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Append records one turn. It fails once the session has reached a terminal
// state: history length only grows while the call is live.
func (s *Session) Append(speaker Speaker, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return errTerminalAppend(s.CallID, s.state)
	}
	s.history = append(s.history, Turn{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Transcript renders the history as caller/agent lines for call summaries.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for i, turn := range s.history {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(turn.Speaker))
		b.WriteString(": ")
		b.WriteString(turn.Text)
	}
	return b.String()
}

// transition validates and applies a state change. endedAt is set exactly
// once, on the first move into a terminal state.
func (s *Session) transition(to State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ValidTransition(s.state, to) {
		return s.state, errInvalidTransition(s.CallID, s.state, to)
	}
	s.state = to
	if to.Terminal() && s.endedAt.IsZero() {
		s.endedAt = time.Now().UTC()
	}
	return to, nil
}
