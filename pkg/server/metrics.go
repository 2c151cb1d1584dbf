package server

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the call server. It implements
// the lifecycle, stage and delivery observer interfaces consumed by the
// orchestrator, pipeline and dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsTotal   *prometheus.CounterVec
	ActiveCalls  prometheus.Gauge
	CallDuration prometheus.Histogram

	// Pipeline metrics
	SpeechProcessing *prometheus.HistogramVec

	// Event metrics
	EventsTotal       *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	DispatchInflight  prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callcore"
	}

	registry := prometheus.NewRegistry()

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls by terminal status",
		},
		[]string{"status"},
	)

	activeCalls := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently live",
		},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800},
		},
	)

	speechProcessing := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speech_processing_seconds",
			Help:      "Per-stage speech processing latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"stage"},
	)

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total lifecycle events published",
		},
		[]string{"type"},
	)

	webhookDeliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Completed webhook and sink deliveries by outcome",
		},
		[]string{"status"},
	)

	deliveryFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Webhook deliveries that exhausted their retry budget",
		},
		[]string{"subscriber"},
	)

	dispatchInflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_inflight",
			Help:      "Event deliveries currently in flight",
		},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by type",
		},
		[]string{"type"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "endpoint"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"user_id", "limit_type"},
	)

	registry.MustRegister(
		callsTotal,
		activeCalls,
		callDuration,
		speechProcessing,
		eventsTotal,
		webhookDeliveries,
		deliveryFailures,
		dispatchInflight,
		errorsTotal,
		requestsTotal,
		requestDuration,
		rateLimitHits,
	)

	return &Metrics{
		registry:          registry,
		CallsTotal:        callsTotal,
		ActiveCalls:       activeCalls,
		CallDuration:      callDuration,
		SpeechProcessing:  speechProcessing,
		EventsTotal:       eventsTotal,
		WebhookDeliveries: webhookDeliveries,
		DeliveryFailures:  deliveryFailures,
		DispatchInflight:  dispatchInflight,
		ErrorsTotal:       errorsTotal,
		RequestsTotal:     requestsTotal,
		RequestDuration:   requestDuration,
		RateLimitHits:     rateLimitHits,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CallStarted records a new call going live.
func (m *Metrics) CallStarted() {
	m.ActiveCalls.Inc()
}

// CallEnded records a call reaching a terminal state.
func (m *Metrics) CallEnded(status string, duration time.Duration) {
	m.ActiveCalls.Dec()
	m.CallsTotal.WithLabelValues(status).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

// ErrorRecorded counts one typed error.
func (m *Metrics) ErrorRecorded(errType string) {
	m.ErrorsTotal.WithLabelValues(errType).Inc()
}

// ObserveStage records one pipeline stage latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.SpeechProcessing.WithLabelValues(stage).Observe(d.Seconds())
}

// EventPublished counts one published lifecycle event.
func (m *Metrics) EventPublished(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// DeliveryStarted marks one delivery in flight.
func (m *Metrics) DeliveryStarted() {
	m.DispatchInflight.Inc()
}

// DeliverySucceeded counts one completed delivery.
func (m *Metrics) DeliverySucceeded(string) {
	m.DispatchInflight.Dec()
	m.WebhookDeliveries.WithLabelValues("success").Inc()
}

// DeliveryFailed counts one exhausted webhook delivery.
func (m *Metrics) DeliveryFailed(subscriberID string) {
	m.DispatchInflight.Dec()
	m.WebhookDeliveries.WithLabelValues("failure").Inc()
	m.DeliveryFailures.WithLabelValues(subscriberID).Inc()
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(userID, limitType string) {
	m.RateLimitHits.WithLabelValues(userID, limitType).Inc()
}

// ResponseWriter wraps http.ResponseWriter to capture status code and size.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int
}

// NewResponseWriter creates a new ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *ResponseWriter) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures bytes written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += n
	return n, err
}

// Flush implements http.Flusher.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// StatusString returns the status code as a string.
func (rw *ResponseWriter) StatusString() string {
	return strconv.Itoa(rw.StatusCode)
}
