package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/callcore-ai/callcore/pkg/core"
)

// Sink receives terminal call events regardless of webhook registrations.
// The CRM adapter implements it.
type Sink interface {
	Consume(ctx context.Context, ev Event) error
}

// DeliveryObserver counts published events and tracks delivery outcomes.
// DeliveryStarted is paired with exactly one DeliverySucceeded or
// DeliveryFailed per delivery, so an implementation can keep an in-flight
// gauge.
type DeliveryObserver interface {
	EventPublished(eventType string)
	DeliveryStarted()
	DeliverySucceeded(subscriberID string)
	DeliveryFailed(subscriberID string)
}

// Dispatcher publishes lifecycle events to the registry's subscribers.
// Publish never blocks the caller on delivery; each matching subscriber is
// served by its own goroutine with its own retry budget, so one slow or
// broken endpoint cannot delay the others.
type Dispatcher struct {
	registry  *Registry
	client    *http.Client
	logger    *slog.Logger
	sink      Sink
	sinkRetry RetryPolicy
	observer  DeliveryObserver

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// DispatcherOptions configures a dispatcher. All fields are optional.
type DispatcherOptions struct {
	Client   *http.Client
	Logger   *slog.Logger
	Sink     Sink
	Observer DeliveryObserver

	// SinkRetry bounds sink delivery attempts; unset fields take the
	// default policy.
	SinkRetry RetryPolicy
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		client:    opts.Client,
		logger:    opts.Logger,
		sink:      opts.Sink,
		sinkRetry: opts.SinkRetry.withDefaults(),
		observer:  opts.Observer,
	}
}

// Publish fans the event out to every matching subscriber and, for terminal
// call events, to the sink. It returns immediately; delivery outcomes are
// logged and counted, never surfaced to the caller.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("event dropped after close", "event", ev.Type, "call_id", ev.CallID)
		return
	}

	subs := d.registry.Matching(ev.Type)
	d.wg.Add(len(subs))
	sinkEvent := d.sink != nil && (ev.Type == EventCallEnded || ev.Type == EventCallFailed)
	if sinkEvent {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.EventPublished(string(ev.Type))
	}

	body, err := json.Marshal(ev)
	if err != nil {
		// Payload values come from our own code; this does not happen
		// with well-formed payload maps.
		d.logger.Error("marshal event", "event", ev.Type, "error", err)
		d.wg.Add(-len(subs))
		if sinkEvent {
			d.wg.Done()
		}
		return
	}

	for _, sub := range subs {
		sub := sub
		go func() {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, ev, body)
		}()
	}
	if sinkEvent {
		go func() {
			defer d.wg.Done()
			d.consumeSink(context.WithoutCancel(ctx), ev)
		}()
	}
}

// consumeSink hands a terminal event to the sink with the same bounded
// backoff as webhook deliveries. Exhaustion is logged and counted; the
// call's terminal state is never rolled back.
func (d *Dispatcher) consumeSink(ctx context.Context, ev Event) {
	if d.observer != nil {
		d.observer.DeliveryStarted()
	}
	pol := d.sinkRetry
	backoff := retry.WithMaxRetries(uint64(pol.MaxAttempts-1),
		retry.WithCappedDuration(pol.MaxBackoff,
			retry.NewExponential(pol.InitialBackoff)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, pol.Timeout)
		defer cancel()
		if err := d.sink.Consume(ctx, ev); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		if d.observer != nil {
			d.observer.DeliverySucceeded("crm")
		}
		return
	}

	d.logger.Error("crm sink failed", "event", ev.Type, "call_id", ev.CallID, "error", err)
	if d.observer != nil {
		d.observer.DeliveryFailed("crm")
	}
}

// deliver posts the event to one subscriber with bounded exponential
// backoff. Exhausting the retry budget counts one delivery failure and may
// drop the subscriber from the registry.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, ev Event, body []byte) {
	if d.observer != nil {
		d.observer.DeliveryStarted()
	}
	// Register normalizes the policy, so the backoff base is positive.
	backoff := retry.WithMaxRetries(uint64(sub.Retry.MaxAttempts-1),
		retry.WithCappedDuration(sub.Retry.MaxBackoff,
			retry.NewExponential(sub.Retry.InitialBackoff)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.post(ctx, sub, body); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		d.registry.recordSuccess(sub.ID)
		if d.observer != nil {
			d.observer.DeliverySucceeded(sub.ID)
		}
		return
	}

	deliveryErr := core.NewDeliveryError(sub.URL, err)
	d.logger.Error("webhook delivery failed",
		"subscriber", sub.ID,
		"event", ev.Type,
		"call_id", ev.CallID,
		"error", deliveryErr)
	if d.observer != nil {
		d.observer.DeliveryFailed(sub.ID)
	}
	if d.registry.recordFailure(sub.ID) {
		d.logger.Warn("subscriber removed after repeated failures", "subscriber", sub.ID, "url", sub.URL)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub Subscriber, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sub.Retry.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+sub.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting new events and waits for in-flight deliveries, up
// to the context deadline.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}
