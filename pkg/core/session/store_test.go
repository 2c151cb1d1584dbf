package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/callcore-ai/callcore/pkg/core"
)

func TestCreateDuplicate(t *testing.T) {
	st := NewStore()
	if _, err := st.Create("c1", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := st.Create("c1", nil)
	if !core.IsType(err, core.ErrDuplicateSession) {
		t.Errorf("second create err = %v, want duplicate_session", err)
	}
}

func TestGetUnknown(t *testing.T) {
	st := NewStore()
	_, err := st.Get("missing")
	if !core.IsType(err, core.ErrSessionNotFound) {
		t.Errorf("get err = %v, want session_not_found", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	st := NewStore()
	st.Create("c1", nil)
	st.Remove("c1")
	st.Remove("c1") // duplicate end signal: no-op
	if st.Len() != 0 {
		t.Errorf("Len = %d, want 0", st.Len())
	}
}

func TestMetadataImmutable(t *testing.T) {
	meta := map[string]string{"phone": "+15550100"}
	st := NewStore()
	sess, _ := st.Create("c1", meta)
	meta["phone"] = "tampered"
	if got := sess.Metadata("phone"); got != "+15550100" {
		t.Errorf("Metadata(phone) = %q, want copy taken at creation", got)
	}
}

func TestTransitionPaths(t *testing.T) {
	tests := []struct {
		name  string
		steps []State
		fails State
	}{
		{"answer then end", []State{StateInProgress, StateEnded}, ""},
		{"turn self loop", []State{StateInProgress, StateInProgress, StateEnded}, ""},
		{"end from created", []State{StateEnded}, ""},
		{"fail from created", []State{StateFailed}, ""},
		{"fail from in progress", []State{StateInProgress, StateFailed}, ""},
		{"no resurrect after end", []State{StateEnded}, StateInProgress},
		{"no double end", []State{StateEnded}, StateEnded},
		{"no fail after end", []State{StateEnded}, StateFailed},
		{"no resurrect after fail", []State{StateFailed}, StateInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewStore()
			st.Create("c1", nil)
			for _, s := range tt.steps {
				if _, err := st.Transition("c1", s); err != nil {
					t.Fatalf("transition to %s: %v", s, err)
				}
			}
			if tt.fails != "" {
				_, err := st.Transition("c1", tt.fails)
				if !core.IsType(err, core.ErrInvalidTransition) {
					t.Errorf("transition to %s err = %v, want invalid_transition", tt.fails, err)
				}
			}
		})
	}
}

func TestCreatedReachability(t *testing.T) {
	// From CREATED, exactly IN_PROGRESS, ENDED and FAILED are one step away.
	for _, to := range []State{StateInProgress, StateEnded, StateFailed} {
		if !ValidTransition(StateCreated, to) {
			t.Errorf("CREATED -> %s should be valid", to)
		}
	}
	if ValidTransition(StateCreated, StateCreated) {
		t.Error("CREATED -> CREATED should be invalid")
	}
}

func TestAppendStopsAtTerminalState(t *testing.T) {
	st := NewStore()
	sess, _ := st.Create("c1", nil)
	if err := sess.Append(SpeakerCaller, "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	st.Transition("c1", StateEnded)
	if err := sess.Append(SpeakerAgent, "too late"); err == nil {
		t.Error("append after ENDED should fail")
	}
	if sess.HistoryLen() != 1 {
		t.Errorf("history len = %d, want 1", sess.HistoryLen())
	}
}

func TestEndedAtSetOnce(t *testing.T) {
	st := NewStore()
	sess, _ := st.Create("c1", nil)
	st.Transition("c1", StateEnded)
	first := sess.EndedAt()
	if first.IsZero() {
		t.Fatal("EndedAt should be set at termination")
	}
	// A rejected transition must not touch the timestamp.
	st.Transition("c1", StateFailed)
	if !sess.EndedAt().Equal(first) {
		t.Error("EndedAt changed after termination")
	}
}

func TestTranscript(t *testing.T) {
	st := NewStore()
	sess, _ := st.Create("c1", nil)
	sess.Append(SpeakerCaller, "I need a refund")
	sess.Append(SpeakerAgent, "Happy to help with that.")
	want := "caller: I need a refund\nagent: Happy to help with that."
	if got := sess.Transcript(); got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}
}

func TestConcurrentDistinctCalls(t *testing.T) {
	st := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			sess, err := st.Create(id, map[string]string{"n": fmt.Sprint(i)})
			if err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			sess.Append(SpeakerCaller, "hi")
			st.Transition(id, StateInProgress)
			st.Transition(id, StateEnded)
		}(i)
	}
	wg.Wait()
	if st.Len() != 50 {
		t.Errorf("Len = %d, want 50", st.Len())
	}
}
