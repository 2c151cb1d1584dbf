package dispatch

import (
	"sync"
	"time"
)

// RetryPolicy bounds delivery attempts for one subscriber.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultRetryPolicy is applied to subscribers registered without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Timeout:        5 * time.Second,
}

// withDefaults fills unset fields from DefaultRetryPolicy. The backoff
// fields must end up positive: retry.NewExponential rejects a zero base.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy.Timeout
	}
	return p
}

// Subscriber is a webhook endpoint registered for a set of event types.
type Subscriber struct {
	ID     string      `json:"id"`
	URL    string      `json:"url"`
	Secret string      `json:"-"`
	Events []EventType `json:"events"`
	Retry  RetryPolicy `json:"retry"`

	// MaxConsecutiveFailures removes the subscriber after that many
	// exhausted deliveries in a row. Zero disables removal.
	MaxConsecutiveFailures int `json:"max_consecutive_failures,omitempty"`
}

// Wants reports whether the subscriber is registered for the event type.
// A single "*" entry matches every type.
func (s *Subscriber) Wants(t EventType) bool {
	for _, e := range s.Events {
		if e == EventWildcard || e == t {
			return true
		}
	}
	return false
}

// Registry holds the live subscriber set. Registration and delivery run
// concurrently; deliveries iterate over a snapshot so an unregister during
// fan-out never blocks or panics.
type Registry struct {
	mu       sync.RWMutex
	subs     map[string]*Subscriber
	failures map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:     make(map[string]*Subscriber),
		failures: make(map[string]int),
	}
}

// Register adds a subscriber, or replaces the existing registration with the
// same ID. Replacing resets the failure streak.
func (r *Registry) Register(sub Subscriber) {
	sub.Retry = sub.Retry.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = &sub
	delete(r.failures, sub.ID)
}

// Unregister removes a subscriber. Unknown IDs are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	delete(r.failures, id)
}

// Get returns the subscriber with the given ID, if registered.
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	copied := *sub
	return &copied, true
}

// List returns all subscribers, in no particular order.
func (r *Registry) List() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, *sub)
	}
	return out
}

// Matching returns a snapshot of the subscribers registered for the event
// type.
func (r *Registry) Matching(t EventType) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscriber
	for _, sub := range r.subs {
		if sub.Wants(t) {
			out = append(out, *sub)
		}
	}
	return out
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// recordSuccess resets the subscriber's failure streak.
func (r *Registry) recordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, id)
}

// recordFailure bumps the subscriber's failure streak and removes it once
// the streak reaches its limit. It reports whether the subscriber was
// removed.
func (r *Registry) recordFailure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	r.failures[id]++
	if sub.MaxConsecutiveFailures > 0 && r.failures[id] >= sub.MaxConsecutiveFailures {
		delete(r.subs, id)
		delete(r.failures, id)
		return true
	}
	return false
}
