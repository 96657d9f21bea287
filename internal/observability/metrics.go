package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicekeyd_active_sessions",
		Help: "Number of live recording sessions (0 or 1)",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekeyd_sessions_total",
		Help: "Total number of recording sessions started",
	}, []string{"backend"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicekeyd_session_duration_seconds",
		Help:    "Duration of recording sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekeyd_commands_total",
		Help: "Total number of session commands processed",
	}, []string{"command"})

	watchdogStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicekeyd_watchdog_stops_total",
		Help: "Total number of sessions stopped for inactivity",
	})

	// Transcript metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekeyd_transcript_events_total",
		Help: "Total number of transcript events received",
	}, []string{"kind"})

	outputActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekeyd_output_actions_total",
		Help: "Total number of keyboard output actions emitted",
	}, []string{"action"})

	uploadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicekeyd_upload_latency_seconds",
		Help:    "Batch transcription upload latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekeyd_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicekeyd_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekeyd_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicekeyd_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "captured" or "sent"
)

// Error types used as the "type" label of voicekeyd_errors_total.
const (
	ErrorSetup     = "setup"
	ErrorTransport = "transport"
	ErrorOutput    = "output"
	ErrorConfig    = "config"
	ErrorCapture   = "capture"
)

// SessionMetrics tracks metrics for a single recording session
type SessionMetrics struct {
	backend     string
	startTime   time.Time
	uploadStart time.Time
	mu          sync.Mutex
	ended       bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(backend string) *SessionMetrics {
	return &SessionMetrics{
		backend:   backend,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.WithLabelValues(m.backend).Inc()
}

// RecordSessionEnd records the end of a session. Repeated calls are ignored.
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordUploadStart records the start of a batch upload
func (m *SessionMetrics) RecordUploadStart() {
	m.mu.Lock()
	m.uploadStart = time.Now()
	m.mu.Unlock()
}

// RecordUploadEnd records the end of a batch upload
func (m *SessionMetrics) RecordUploadEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.uploadStart.IsZero() {
		uploadLatency.Observe(time.Since(m.uploadStart).Seconds())
	}
	if !success {
		errorsTotal.WithLabelValues(ErrorTransport, "batch").Inc()
	}
}

// RecordCommand counts a processed session command
func RecordCommand(command string) {
	commandsTotal.WithLabelValues(command).Inc()
}

// RecordWatchdogStop counts an inactivity stop
func RecordWatchdogStop() {
	watchdogStops.Inc()
}

// RecordTranscriptEvent counts a transcript event by kind
func RecordTranscriptEvent(kind string) {
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordOutputAction counts a keyboard output action
func RecordOutputAction(action string) {
	outputActions.WithLabelValues(action).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
