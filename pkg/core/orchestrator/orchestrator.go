// Package orchestrator ties the session store, turn pipeline, event
// dispatcher and persistence together into the call lifecycle API.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/callcore-ai/callcore/pkg/core"
	"github.com/callcore-ai/callcore/pkg/core/calllog"
	"github.com/callcore-ai/callcore/pkg/core/dispatch"
	"github.com/callcore-ai/callcore/pkg/core/pipeline"
	"github.com/callcore-ai/callcore/pkg/core/session"
)

// Metrics receives call lifecycle observations.
type Metrics interface {
	CallStarted()
	CallEnded(status string, duration time.Duration)
	ErrorRecorded(errType string)
}

type nopMetrics struct{}

func (nopMetrics) CallStarted()                    {}
func (nopMetrics) CallEnded(string, time.Duration) {}
func (nopMetrics) ErrorRecorded(string)            {}

// CallSummary describes a finished call.
type CallSummary struct {
	CallID     string            `json:"call_id"`
	State      string            `json:"state"`
	Duration   time.Duration     `json:"-"`
	Transcript string            `json:"transcript,omitempty"`
	Turns      int               `json:"turns"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Status is the live view of a call.
type Status struct {
	CallID    string         `json:"call_id"`
	State     session.State  `json:"state"`
	History   []session.Turn `json:"history"`
	CreatedAt time.Time      `json:"created_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// IncomingCall is the boundary event handed over by the telephony layer.
type IncomingCall struct {
	CorrelationID string `json:"correlation_id"`
	CallerNumber  string `json:"caller_number,omitempty"`
	CallerName    string `json:"caller_name,omitempty"`
	Callee        string `json:"callee,omitempty"`
}

// Options configures an orchestrator. All fields are optional.
type Options struct {
	Logs    calllog.Store
	Metrics Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Orchestrator is the root call-handling component. One instance serves all
// concurrent calls; per-call ordering comes from the session execution lock.
type Orchestrator struct {
	store      *session.Store
	pipe       *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	logs       calllog.Store
	metrics    Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

// New creates an orchestrator over the given components.
func New(store *session.Store, pipe *pipeline.Pipeline, dispatcher *dispatch.Dispatcher, opts Options) *Orchestrator {
	if opts.Logs == nil {
		opts.Logs = calllog.NewMemoryStore(0)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		pipe:       pipe,
		dispatcher: dispatcher,
		logs:       opts.Logs,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
	}
}

// StartCall registers a new call session. An empty call id gets a generated
// one; telephony callers pass their correlation id instead. The new session
// starts in CREATED and a call.created event is published.
func (o *Orchestrator) StartCall(ctx context.Context, callID string, metadata map[string]string) (string, error) {
	if callID == "" {
		callID = uuid.NewString()
	}

	_, span := o.tracer.Start(ctx, "call.start",
		trace.WithAttributes(attribute.String("call.id", callID)))
	defer span.End()

	if _, err := o.store.Create(callID, metadata); err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.recordError(err)
		return "", err
	}

	o.metrics.CallStarted()
	o.logger.Info("call started", "call_id", callID)

	payload := map[string]any{}
	for k, v := range metadata {
		payload[k] = v
	}
	o.dispatcher.Publish(ctx, dispatch.NewEvent(dispatch.EventCallCreated, callID, payload))
	return callID, nil
}

// Answer marks the call as picked up, moving it to IN_PROGRESS. Answering a
// call that is already in progress is a no-op transition; answering a
// terminal call fails with invalid_transition.
func (o *Orchestrator) Answer(ctx context.Context, callID string) error {
	sess, err := o.store.Get(callID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if _, err := o.store.Transition(callID, session.StateInProgress); err != nil {
		o.recordError(err)
		return err
	}
	o.logger.Info("call answered", "call_id", callID)
	o.dispatcher.Publish(ctx, dispatch.NewEvent(dispatch.EventCallAnswered, callID, nil))
	return nil
}

// ProcessTurn runs one caller utterance through the pipeline under the
// session's execution lock, so turns for one call are processed strictly in
// submission order. Stage failures surface to the caller and leave the call
// live; infrastructure failures escalate the session to FAILED.
func (o *Orchestrator) ProcessTurn(ctx context.Context, callID string, in pipeline.Input) (*pipeline.TurnResult, error) {
	sess, err := o.store.Get(callID)
	if err != nil {
		o.recordError(err)
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()

	if state := sess.State(); state.Terminal() {
		err := core.NewInvalidTransitionError(callID, string(state), string(session.StateInProgress))
		o.recordError(err)
		return nil, err
	}

	result, err := o.pipe.ProcessTurn(ctx, sess, in)
	if err != nil {
		o.recordError(err)
		if typed := core.AsError(err); typed != nil && typed.IsTerminal() {
			o.failLocked(ctx, sess, err)
		}
		return result, err
	}

	// First successful turn moves CREATED to IN_PROGRESS; later turns
	// self-loop.
	if _, err := o.store.Transition(callID, session.StateInProgress); err != nil {
		o.recordError(err)
		return result, err
	}

	o.dispatcher.Publish(ctx, dispatch.NewEvent(dispatch.EventCallProcessed, callID, map[string]any{
		"transcript": result.Transcript,
		"reply":      result.ReplyText,
	}))
	return result, nil
}

// EndCall terminates the call. It waits for any in-flight turn to finish,
// moves the session to ENDED, publishes call.ended and persists the summary.
// The session stays in the store, so a later GetStatus still reports ENDED
// and a second EndCall fails with invalid_transition.
func (o *Orchestrator) EndCall(ctx context.Context, callID string) (*CallSummary, error) {
	sess, err := o.store.Get(callID)
	if err != nil {
		o.recordError(err)
		return nil, err
	}

	_, span := o.tracer.Start(ctx, "call.end",
		trace.WithAttributes(attribute.String("call.id", callID)))
	defer span.End()

	sess.Lock()
	defer sess.Unlock()

	if _, err := o.store.Transition(callID, session.StateEnded); err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.recordError(err)
		return nil, err
	}

	summary := o.summarize(sess)
	o.metrics.CallEnded("completed", summary.Duration)
	o.logger.Info("call ended",
		"call_id", callID,
		"duration", summary.Duration,
		"turns", summary.Turns)

	o.dispatcher.Publish(ctx, dispatch.NewEvent(dispatch.EventCallEnded, callID, summaryPayload(summary)))
	o.persist(ctx, summary)
	return summary, nil
}

// Fail force-terminates the call after an unrecoverable error.
func (o *Orchestrator) Fail(ctx context.Context, callID string, cause error) error {
	sess, err := o.store.Get(callID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()
	return o.failLocked(ctx, sess, cause)
}

// failLocked moves the session to FAILED and emits the terminal event. The
// caller holds the session execution lock.
func (o *Orchestrator) failLocked(ctx context.Context, sess *session.Session, cause error) error {
	if _, err := o.store.Transition(sess.CallID, session.StateFailed); err != nil {
		return err
	}

	summary := o.summarize(sess)
	o.metrics.CallEnded("failed", summary.Duration)
	o.logger.Error("call failed", "call_id", sess.CallID, "error", cause)

	payload := summaryPayload(summary)
	if cause != nil {
		payload["reason"] = cause.Error()
	}
	o.dispatcher.Publish(ctx, dispatch.NewEvent(dispatch.EventCallFailed, sess.CallID, payload))
	o.persist(ctx, summary)
	return nil
}

// GetStatus returns the live view of a call, including ended ones still in
// the store.
func (o *Orchestrator) GetStatus(callID string) (*Status, error) {
	sess, err := o.store.Get(callID)
	if err != nil {
		return nil, err
	}
	status := &Status{
		CallID:    sess.CallID,
		State:     sess.State(),
		History:   sess.History(),
		CreatedAt: sess.CreatedAt,
	}
	if ended := sess.EndedAt(); !ended.IsZero() {
		status.EndedAt = &ended
	}
	return status, nil
}

// Recent returns the latest finished-call records.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]calllog.Record, error) {
	return o.logs.Recent(ctx, limit)
}

// HandleIncoming maps a telephony ring event to a new session keyed by the
// correlation id, so later signaling for the same leg finds the call.
func (o *Orchestrator) HandleIncoming(ctx context.Context, in IncomingCall) (string, error) {
	if in.CorrelationID == "" {
		return "", core.NewInvalidRequestError("missing correlation_id")
	}

	o.dispatcher.Publish(ctx, dispatch.NewEvent(dispatch.EventCallIncoming, in.CorrelationID, map[string]any{
		"caller_number": in.CallerNumber,
		"caller_name":   in.CallerName,
		"callee":        in.Callee,
	}))

	metadata := map[string]string{}
	if in.CallerNumber != "" {
		metadata["caller_number"] = in.CallerNumber
	}
	if in.CallerName != "" {
		metadata["caller_name"] = in.CallerName
	}
	if in.Callee != "" {
		metadata["callee"] = in.Callee
	}
	return o.StartCall(ctx, in.CorrelationID, metadata)
}

// Close force-ends every live call and drains the dispatcher. Used on
// shutdown so terminal events and CRM records are not lost.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.store.Each(func(sess *session.Session) {
		sess.Lock()
		defer sess.Unlock()
		if sess.State().Terminal() {
			return
		}
		if _, err := o.store.Transition(sess.CallID, session.StateEnded); err != nil {
			o.logger.Error("force end", "call_id", sess.CallID, "error", err)
			return
		}
		summary := o.summarize(sess)
		o.metrics.CallEnded("completed", summary.Duration)
		o.logger.Info("call force-ended on shutdown", "call_id", sess.CallID)
		o.dispatcher.Publish(ctx, dispatch.NewEvent(dispatch.EventCallEnded, sess.CallID, summaryPayload(summary)))
		o.persist(ctx, summary)
	})
	return o.dispatcher.Close(ctx)
}

func (o *Orchestrator) summarize(sess *session.Session) *CallSummary {
	endedAt := sess.EndedAt()
	history := sess.History()
	return &CallSummary{
		CallID:     sess.CallID,
		State:      string(sess.State()),
		Duration:   endedAt.Sub(sess.CreatedAt),
		Transcript: sess.Transcript(),
		Turns:      len(history),
		StartedAt:  sess.CreatedAt,
		EndedAt:    endedAt,
		Metadata:   sess.MetadataCopy(),
	}
}

// persist writes the call-log record. Persistence failure is logged and does
// not roll back the terminal state.
func (o *Orchestrator) persist(ctx context.Context, summary *CallSummary) {
	rec := calllog.Record{
		CallID:          summary.CallID,
		State:           summary.State,
		Transcript:      summary.Transcript,
		Turns:           summary.Turns,
		DurationSeconds: summary.Duration.Seconds(),
		StartedAt:       summary.StartedAt,
		EndedAt:         summary.EndedAt,
	}
	if err := o.logs.Append(ctx, rec); err != nil {
		o.logger.Error("append call log", "call_id", summary.CallID, "error", err)
	}
}

// summaryPayload is the wire shape of terminal call events. Caller identity
// from the session metadata rides along so CRM consumers can attribute the
// call; customer_id is promoted to a top-level key.
func summaryPayload(summary *CallSummary) map[string]any {
	payload := map[string]any{
		"state":            summary.State,
		"transcript":       summary.Transcript,
		"turns":            summary.Turns,
		"duration_seconds": summary.Duration.Seconds(),
		"started_at":       summary.StartedAt,
		"ended_at":         summary.EndedAt,
	}
	if len(summary.Metadata) > 0 {
		payload["metadata"] = summary.Metadata
		if id := summary.Metadata["customer_id"]; id != "" {
			payload["customer_id"] = id
		} else if id := summary.Metadata["user_id"]; id != "" {
			payload["customer_id"] = id
		}
	}
	return payload
}

func (o *Orchestrator) recordError(err error) {
	if typed := core.AsError(err); typed != nil {
		o.metrics.ErrorRecorded(string(typed.Type))
	} else {
		o.metrics.ErrorRecorded(string(core.ErrInternal))
	}
}
