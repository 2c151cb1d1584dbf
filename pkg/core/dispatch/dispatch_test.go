package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        100 * time.Millisecond,
	}
}

func TestSubscriberWants(t *testing.T) {
	tests := []struct {
		events []EventType
		query  EventType
		want   bool
	}{
		{[]EventType{EventCallEnded}, EventCallEnded, true},
		{[]EventType{EventCallEnded}, EventCallCreated, false},
		{[]EventType{EventWildcard}, EventCallFailed, true},
		{nil, EventCallCreated, false},
	}
	for _, tt := range tests {
		sub := Subscriber{Events: tt.events}
		if got := sub.Wants(tt.query); got != tt.want {
			t.Errorf("Wants(%s) with %v = %v, want %v", tt.query, tt.events, got, tt.want)
		}
	}
}

func TestRegisterReplacesByID(t *testing.T) {
	r := NewRegistry()
	r.Register(Subscriber{ID: "s1", URL: "http://a", Events: []EventType{EventCallEnded}})
	r.Register(Subscriber{ID: "s1", URL: "http://b", Events: []EventType{EventWildcard}})

	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	sub, ok := r.Get("s1")
	if !ok || sub.URL != "http://b" {
		t.Errorf("registration not replaced: %+v", sub)
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Unregister("ghost")
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

type countingObserver struct {
	mu        sync.Mutex
	published []string
	started   int
	succeeded []string
	failed    []string
}

func (o *countingObserver) EventPublished(eventType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, eventType)
}

func (o *countingObserver) DeliveryStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) DeliverySucceeded(subscriberID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded = append(o.succeeded, subscriberID)
}

func (o *countingObserver) DeliveryFailed(subscriberID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, subscriberID)
}

func (o *countingObserver) successes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.succeeded...)
}

func (o *countingObserver) failures() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failed...)
}

func (o *countingObserver) startedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	var delivered atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("empty delivery body")
		}
		delivered.Add(1)
	}))
	defer good.Close()

	// Never responds within the per-attempt timeout. The body must be
	// drained first: the server only watches for client disconnect (and
	// cancels the request context) once the body has been consumed, and
	// without that the handler blocks forever and Close deadlocks.
	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer stuck.Close()

	r := NewRegistry()
	policy := fastPolicy()
	policy.Timeout = 20 * time.Millisecond
	r.Register(Subscriber{ID: "good", URL: good.URL, Events: []EventType{EventWildcard}, Retry: policy})
	r.Register(Subscriber{ID: "stuck", URL: stuck.URL, Events: []EventType{EventWildcard}, Retry: policy})

	obs := &countingObserver{}
	d := NewDispatcher(r, DispatcherOptions{Observer: obs})
	d.Publish(context.Background(), NewEvent(EventCallProcessed, "call-1", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if delivered.Load() != 1 {
		t.Errorf("good subscriber deliveries = %d, want 1", delivered.Load())
	}
	failed := obs.failures()
	if len(failed) != 1 || failed[0] != "stuck" {
		t.Errorf("failed deliveries = %v, want [stuck]", failed)
	}
	succeeded := obs.successes()
	if len(succeeded) != 1 || succeeded[0] != "good" {
		t.Errorf("succeeded deliveries = %v, want [good]", succeeded)
	}
	if obs.startedCount() != 2 {
		t.Errorf("started deliveries = %d, want 2", obs.startedCount())
	}
}

func TestRegisterDefaultsPartialRetryPolicy(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
	}))
	defer srv.Close()

	// Attempt count set, backoff fields left zero. Delivery must still
	// work with the defaulted backoff rather than blow up in the delivery
	// goroutine.
	r := NewRegistry()
	r.Register(Subscriber{
		ID:     "partial",
		URL:    srv.URL,
		Events: []EventType{EventWildcard},
		Retry:  RetryPolicy{MaxAttempts: 3},
	})

	sub, ok := r.Get("partial")
	if !ok {
		t.Fatal("subscriber not registered")
	}
	if sub.Retry.InitialBackoff != DefaultRetryPolicy.InitialBackoff {
		t.Errorf("initial backoff = %v, want default %v", sub.Retry.InitialBackoff, DefaultRetryPolicy.InitialBackoff)
	}
	if sub.Retry.MaxBackoff != DefaultRetryPolicy.MaxBackoff {
		t.Errorf("max backoff = %v, want default %v", sub.Retry.MaxBackoff, DefaultRetryPolicy.MaxBackoff)
	}
	if sub.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", sub.Retry.MaxAttempts)
	}

	d := NewDispatcher(r, DispatcherOptions{})
	d.Publish(context.Background(), NewEvent(EventCallEnded, "call-1", nil))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if delivered.Load() != 1 {
		t.Errorf("deliveries = %d, want 1", delivered.Load())
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	r := NewRegistry()
	r.Register(Subscriber{ID: "flaky", URL: srv.URL, Events: []EventType{EventCallEnded}, Retry: fastPolicy()})

	obs := &countingObserver{}
	d := NewDispatcher(r, DispatcherOptions{Observer: obs})
	d.Publish(context.Background(), NewEvent(EventCallEnded, "call-1", nil))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if len(obs.failures()) != 0 {
		t.Errorf("failures = %v, want none", obs.failures())
	}
}

func TestSubscriberRemovedAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRegistry()
	policy := fastPolicy()
	policy.MaxAttempts = 1
	r.Register(Subscriber{
		ID:                     "dead",
		URL:                    srv.URL,
		Events:                 []EventType{EventWildcard},
		Retry:                  policy,
		MaxConsecutiveFailures: 2,
	})

	d := NewDispatcher(r, DispatcherOptions{})
	for i := 0; i < 2; i++ {
		d.Publish(context.Background(), NewEvent(EventCallProcessed, "call-1", nil))
		if err := d.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
		d = NewDispatcher(r, DispatcherOptions{})
	}

	if r.Len() != 0 {
		t.Errorf("subscriber still registered after %d exhausted deliveries", 2)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	r := NewRegistry()
	policy := fastPolicy()
	policy.MaxAttempts = 1
	r.Register(Subscriber{
		ID:                     "wobbly",
		URL:                    srv.URL,
		Events:                 []EventType{EventWildcard},
		Retry:                  policy,
		MaxConsecutiveFailures: 2,
	})

	publish := func() {
		d := NewDispatcher(r, DispatcherOptions{})
		d.Publish(context.Background(), NewEvent(EventCallProcessed, "call-1", nil))
		if err := d.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	fail.Store(true)
	publish()
	fail.Store(false)
	publish()
	fail.Store(true)
	publish()

	if r.Len() != 1 {
		t.Error("subscriber removed despite interleaved success")
	}
}

type recordingSink struct {
	mu        sync.Mutex
	events    []Event
	err       error
	failFirst int
}

func (s *recordingSink) Consume(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.failFirst > 0 {
		s.failFirst--
		return errors.New("crm unavailable")
	}
	return s.err
}

func (s *recordingSink) consumed() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestSinkReceivesTerminalEventsOnly(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(NewRegistry(), DispatcherOptions{Sink: sink})

	for _, typ := range []EventType{EventCallCreated, EventCallProcessed, EventCallEnded, EventCallFailed} {
		d.Publish(context.Background(), NewEvent(typ, "call-1", nil))
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := sink.consumed()
	if len(got) != 2 {
		t.Fatalf("sink events = %d, want 2", len(got))
	}
	for _, ev := range got {
		if ev.Type != EventCallEnded && ev.Type != EventCallFailed {
			t.Errorf("sink received %s", ev.Type)
		}
	}
}

func TestSinkErrorIsCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("crm down")}
	obs := &countingObserver{}
	d := NewDispatcher(NewRegistry(), DispatcherOptions{Sink: sink, Observer: obs, SinkRetry: fastPolicy()})

	d.Publish(context.Background(), NewEvent(EventCallEnded, "call-1", nil))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(sink.consumed()); got != 3 {
		t.Errorf("consume attempts = %d, want 3", got)
	}
	failed := obs.failures()
	if len(failed) != 1 || failed[0] != "crm" {
		t.Errorf("failures = %v, want [crm]", failed)
	}
}

func TestSinkRetriesThenSucceeds(t *testing.T) {
	sink := &recordingSink{failFirst: 2}
	obs := &countingObserver{}
	d := NewDispatcher(NewRegistry(), DispatcherOptions{Sink: sink, Observer: obs, SinkRetry: fastPolicy()})

	d.Publish(context.Background(), NewEvent(EventCallFailed, "call-1", nil))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(sink.consumed()); got != 3 {
		t.Errorf("consume attempts = %d, want 3", got)
	}
	if len(obs.failures()) != 0 {
		t.Errorf("failures = %v, want none", obs.failures())
	}
	succeeded := obs.successes()
	if len(succeeded) != 1 || succeeded[0] != "crm" {
		t.Errorf("successes = %v, want [crm]", succeeded)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
	}))
	defer srv.Close()

	r := NewRegistry()
	r.Register(Subscriber{ID: "s", URL: srv.URL, Events: []EventType{EventWildcard}, Retry: fastPolicy()})

	d := NewDispatcher(r, DispatcherOptions{})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	d.Publish(context.Background(), NewEvent(EventCallEnded, "call-1", nil))

	time.Sleep(20 * time.Millisecond)
	if delivered.Load() != 0 {
		t.Errorf("deliveries after close = %d, want 0", delivered.Load())
	}
}
