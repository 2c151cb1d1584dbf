package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callcore-ai/callcore/pkg/core"
	"github.com/callcore-ai/callcore/pkg/core/calllog"
	"github.com/callcore-ai/callcore/pkg/core/dispatch"
	"github.com/callcore-ai/callcore/pkg/core/llm"
	"github.com/callcore-ai/callcore/pkg/core/pipeline"
	"github.com/callcore-ai/callcore/pkg/core/session"
	"github.com/callcore-ai/callcore/pkg/core/stt"
	"github.com/callcore-ai/callcore/pkg/core/tts"
)

// echoLLM replies with the last user message. When gated, the first
// Generate call blocks until released so tests can hold a turn in flight.
type echoLLM struct {
	started chan struct{}
	release chan struct{}
	first   sync.Once
	err     error
}

func (f *echoLLM) Name() string { return "echo" }

func (f *echoLLM) Generate(_ context.Context, history []llm.Message, _ llm.GenerateOptions) (string, error) {
	if f.started != nil {
		var gated bool
		f.first.Do(func() { gated = true })
		if gated {
			f.started <- struct{}{}
			<-f.release
		}
	}
	if f.err != nil {
		return "", f.err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			return "echo: " + history[i].Content, nil
		}
	}
	return "echo", nil
}

type countingMetrics struct {
	mu      sync.Mutex
	started int
	ended   map[string]int
	errs    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{ended: map[string]int{}, errs: map[string]int{}}
}

func (m *countingMetrics) CallStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *countingMetrics) CallEnded(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[status]++
}

func (m *countingMetrics) ErrorRecorded(errType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[errType]++
}

type harness struct {
	orch    *Orchestrator
	store   *session.Store
	logs    *calllog.MemoryStore
	metrics *countingMetrics
	events  *eventRecorder
}

// eventRecorder implements the dispatcher sink to observe terminal events,
// and collects all published types via a wildcard check in tests that need
// it.
type eventRecorder struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (r *eventRecorder) Consume(_ context.Context, ev dispatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) all() []dispatch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Event(nil), r.events...)
}

func newHarness(t *testing.T, model llm.Provider) *harness {
	t.Helper()
	if model == nil {
		model = &echoLLM{}
	}
	store := session.NewStore()
	pipe := pipeline.New(stt.NewMock(), model, tts.NewMock(), pipeline.Options{})
	events := &eventRecorder{}
	d := dispatch.NewDispatcher(dispatch.NewRegistry(), dispatch.DispatcherOptions{Sink: events})
	logs := calllog.NewMemoryStore(0)
	metrics := newCountingMetrics()
	orch := New(store, pipe, d, Options{Logs: logs, Metrics: metrics})
	return &harness{orch: orch, store: store, logs: logs, metrics: metrics, events: events}
}

func TestStartCallGeneratesID(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.orch.StartCall(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == "" {
		t.Fatal("empty call id")
	}
	status, err := h.orch.GetStatus(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != session.StateCreated {
		t.Errorf("state = %s, want CREATED", status.State)
	}
	if h.metrics.started != 1 {
		t.Errorf("started metric = %d", h.metrics.started)
	}
}

func TestStartCallDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.orch.StartCall(context.Background(), "call-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := h.orch.StartCall(context.Background(), "call-1", nil)
	if !core.IsType(err, core.ErrDuplicateSession) {
		t.Errorf("err = %v, want duplicate_session", err)
	}
}

func TestCallLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.orch.StartCall(ctx, "", map[string]string{"caller_number": "+15551234"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.orch.Answer(ctx, id); err != nil {
		t.Fatalf("answer: %v", err)
	}

	result, err := h.orch.ProcessTurn(ctx, id, pipeline.Input{Text: "I need help with my order"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if result.ReplyText == "" || len(result.ReplyAudio) == 0 {
		t.Errorf("result = %+v, want reply text and audio", result)
	}

	status, err := h.orch.GetStatus(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != session.StateInProgress {
		t.Errorf("state = %s, want IN_PROGRESS", status.State)
	}
	if len(status.History) != 2 {
		t.Errorf("history len = %d, want 2", len(status.History))
	}

	summary, err := h.orch.EndCall(ctx, id)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if summary.Turns != 2 || summary.State != "ENDED" {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.Contains(summary.Transcript, "caller: I need help with my order") {
		t.Errorf("transcript = %q", summary.Transcript)
	}

	// The session stays around; status reports the terminal state.
	status, err = h.orch.GetStatus(id)
	if err != nil {
		t.Fatalf("status after end: %v", err)
	}
	if status.State != session.StateEnded || status.EndedAt == nil {
		t.Errorf("status after end = %+v", status)
	}

	if h.metrics.ended["completed"] != 1 {
		t.Errorf("ended metric = %v", h.metrics.ended)
	}
}

func TestDoubleEndCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, _ := h.orch.StartCall(ctx, "call-1", nil)

	if _, err := h.orch.EndCall(ctx, id); err != nil {
		t.Fatalf("first end: %v", err)
	}
	_, err := h.orch.EndCall(ctx, id)
	if !core.IsType(err, core.ErrInvalidTransition) {
		t.Errorf("second end = %v, want invalid_transition", err)
	}
}

func TestTurnAfterEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, _ := h.orch.StartCall(ctx, "call-1", nil)
	if _, err := h.orch.EndCall(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}

	_, err := h.orch.ProcessTurn(ctx, id, pipeline.Input{Text: "hello?"})
	if !core.IsType(err, core.ErrInvalidTransition) {
		t.Errorf("turn after end = %v, want invalid_transition", err)
	}
}

func TestTurnOnUnknownCall(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.ProcessTurn(context.Background(), "ghost", pipeline.Input{Text: "hi"})
	if !core.IsType(err, core.ErrSessionNotFound) {
		t.Errorf("err = %v, want session_not_found", err)
	}
}

func TestTurnsAreOrderedPerCall(t *testing.T) {
	model := &echoLLM{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, model)
	ctx := context.Background()
	id, _ := h.orch.StartCall(ctx, "call-1", nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.orch.ProcessTurn(ctx, id, pipeline.Input{Text: "first"}); err != nil {
			t.Errorf("turn 1: %v", err)
		}
	}()
	<-model.started // turn 1 holds the execution lock inside the pipeline

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := h.orch.ProcessTurn(ctx, id, pipeline.Input{Text: "second"}); err != nil {
			t.Errorf("turn 2: %v", err)
		}
	}()

	// Give turn 2 a moment to block on the lock, then release turn 1.
	time.Sleep(20 * time.Millisecond)
	close(model.release)
	wg.Wait()

	status, err := h.orch.GetStatus(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var callerTexts []string
	for _, turn := range status.History {
		if turn.Speaker == session.SpeakerCaller {
			callerTexts = append(callerTexts, turn.Text)
		}
	}
	if len(callerTexts) != 2 || callerTexts[0] != "first" || callerTexts[1] != "second" {
		t.Errorf("caller turns = %v, want submission order preserved", callerTexts)
	}
}

func TestStageErrorLeavesCallLive(t *testing.T) {
	model := &echoLLM{err: core.NewLLMError("call-1", context.DeadlineExceeded)}
	h := newHarness(t, model)
	ctx := context.Background()
	id, _ := h.orch.StartCall(ctx, "call-1", nil)

	if _, err := h.orch.ProcessTurn(ctx, id, pipeline.Input{Text: "hi"}); err == nil {
		t.Fatal("expected stage error")
	}

	status, _ := h.orch.GetStatus(id)
	if status.State.Terminal() {
		t.Errorf("state = %s, stage error must not kill the call", status.State)
	}
}

func TestInfrastructureErrorEscalates(t *testing.T) {
	model := &echoLLM{err: core.NewInfrastructureError("session backend lost", nil)}
	h := newHarness(t, model)
	ctx := context.Background()
	id, _ := h.orch.StartCall(ctx, "call-1", nil)

	if _, err := h.orch.ProcessTurn(ctx, id, pipeline.Input{Text: "hi"}); err == nil {
		t.Fatal("expected infrastructure error")
	}

	status, _ := h.orch.GetStatus(id)
	if status.State != session.StateFailed {
		t.Errorf("state = %s, want FAILED", status.State)
	}
	if err := h.orch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	var sawFailed bool
	for _, ev := range h.events.all() {
		if ev.Type == dispatch.EventCallFailed && ev.CallID == id {
			sawFailed = true
			if ev.Payload["reason"] == "" {
				t.Error("call.failed payload missing reason")
			}
		}
	}
	if !sawFailed {
		t.Error("call.failed not published")
	}
}

func TestEndedEventCarriesCallerIdentity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, err := h.orch.StartCall(ctx, "call-1", map[string]string{
		"customer_id":   "cust-7",
		"caller_number": "+15550100",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.orch.EndCall(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := h.orch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	var ended *dispatch.Event
	for _, ev := range h.events.all() {
		if ev.Type == dispatch.EventCallEnded {
			ev := ev
			ended = &ev
		}
	}
	if ended == nil {
		t.Fatal("call.ended not published")
	}
	if got, _ := ended.Payload["customer_id"].(string); got != "cust-7" {
		t.Errorf("customer_id = %q, want cust-7", got)
	}
	meta, _ := ended.Payload["metadata"].(map[string]string)
	if meta["caller_number"] != "+15550100" {
		t.Errorf("metadata = %v, want the caller number carried over", meta)
	}
}

func TestEndCallPersistsRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, _ := h.orch.StartCall(ctx, "call-1", nil)
	if _, err := h.orch.ProcessTurn(ctx, id, pipeline.Input{Text: "hello"}); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if _, err := h.orch.EndCall(ctx, id); err != nil {
		t.Fatalf("end: %v", err)
	}

	recs, err := h.orch.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 || recs[0].CallID != id || recs[0].Turns != 2 {
		t.Errorf("records = %+v", recs)
	}
}

func TestHandleIncoming(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.orch.HandleIncoming(context.Background(), IncomingCall{
		CorrelationID: "leg-42",
		CallerNumber:  "+15550000",
	})
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if id != "leg-42" {
		t.Errorf("call id = %s, want the correlation id", id)
	}
	status, err := h.orch.GetStatus("leg-42")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != session.StateCreated {
		t.Errorf("state = %s", status.State)
	}
}

func TestHandleIncomingRequiresCorrelationID(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.HandleIncoming(context.Background(), IncomingCall{})
	if !core.IsType(err, core.ErrInvalidRequest) {
		t.Errorf("err = %v, want invalid_request", err)
	}
}

func TestCloseForceEndsLiveCalls(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	live, _ := h.orch.StartCall(ctx, "live-1", nil)
	done, _ := h.orch.StartCall(ctx, "done-1", nil)
	if _, err := h.orch.EndCall(ctx, done); err != nil {
		t.Fatalf("end: %v", err)
	}

	if err := h.orch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	status, _ := h.orch.GetStatus(live)
	if status.State != session.StateEnded {
		t.Errorf("live call state after close = %s, want ENDED", status.State)
	}
	recs, _ := h.orch.Recent(ctx, 10)
	if len(recs) != 2 {
		t.Errorf("records = %d, want both calls persisted", len(recs))
	}
	// Terminal events for both calls reached the sink before Close returned.
	var ended int
	for _, ev := range h.events.all() {
		if ev.Type == dispatch.EventCallEnded {
			ended++
		}
	}
	if ended != 2 {
		t.Errorf("call.ended events = %d, want 2", ended)
	}
}
