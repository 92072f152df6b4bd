package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rehearsal_gateway_active_sessions",
		Help: "Number of active capture sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rehearsal_gateway_sessions_total",
		Help: "Total number of capture sessions processed",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rehearsal_gateway_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// State machine metrics
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rehearsal_gateway_state_transitions_total",
		Help: "Total number of applied session state transitions",
	}, []string{"from", "event", "to"})

	rejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rehearsal_gateway_transitions_rejected_total",
		Help: "Total number of state transitions rejected as not in the table",
	}, []string{"state", "event"})

	// Detection metrics
	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rehearsal_gateway_frames_processed_total",
		Help: "Total number of audio frames analyzed",
	}, []string{"mode"}) // mode: "local" or "offload"

	framesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rehearsal_gateway_frames_skipped_total",
		Help: "Total number of frames skipped under low power throttling",
	})

	frameProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rehearsal_gateway_frame_processing_seconds",
		Help:    "Per-frame analysis latency in seconds",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
	})

	speechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rehearsal_gateway_speech_segments_total",
		Help: "Total number of silence to speech flips detected",
	})

	// Power metrics
	batteryLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rehearsal_gateway_battery_level",
		Help: "Host battery level as a fraction of full charge",
	})

	batteryCharging = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rehearsal_gateway_battery_charging",
		Help: "Whether the host battery is charging (1) or discharging (0)",
	})

	lowPowerMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rehearsal_gateway_low_power_mode",
		Help: "Whether low power throttling is active (1) or not (0)",
	})

	lowMemoryEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rehearsal_gateway_low_memory_events_total",
		Help: "Total number of low memory events handled",
	})

	processingPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rehearsal_gateway_processing_pauses_total",
		Help: "Total number of processing pauses by cause",
	}, []string{"reason"}) // reason: "scroll" or "interruption"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rehearsal_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"code", "category"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rehearsal_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rehearsal_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioSamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rehearsal_gateway_audio_samples_total",
		Help: "Total audio samples ingested from clients",
	})

	audioSamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rehearsal_gateway_audio_samples_dropped_total",
		Help: "Total audio samples dropped due to backlog overflow",
	})
)

// SessionMetrics tracks metrics for a single capture session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a new metrics tracker for a capture session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a capture session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a capture session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	duration := time.Since(m.startTime).Seconds()
	sessionDuration.Observe(duration)
}

// RecordFrame records one analyzed frame and its processing latency
func (m *SessionMetrics) RecordFrame(mode string, elapsed time.Duration) {
	framesProcessed.WithLabelValues(mode).Inc()
	frameProcessingTime.Observe(elapsed.Seconds())
}

// RecordFrameSkipped records a frame dropped by low power throttling
func (m *SessionMetrics) RecordFrameSkipped() {
	framesSkipped.Inc()
}

// RecordSpeechSegment records a silence to speech flip
func (m *SessionMetrics) RecordSpeechSegment() {
	speechSegments.Inc()
}

// RecordError records an error by taxonomy code and category
func (m *SessionMetrics) RecordError(code, category string) {
	errorsTotal.WithLabelValues(code, category).Inc()
}

// RecordSamplesIngested records raw samples accepted from the client
func (m *SessionMetrics) RecordSamplesIngested(count int) {
	audioSamplesIngested.Add(float64(count))
}

// RecordSamplesDropped records samples lost to backlog eviction
func (m *SessionMetrics) RecordSamplesDropped(count uint64) {
	audioSamplesDropped.Add(float64(count))
}

// RecordStateTransition records an applied state machine transition
func RecordStateTransition(from, event, to string) {
	stateTransitions.WithLabelValues(from, event, to).Inc()
}

// RecordTransitionRejected records a transition absent from the table
func RecordTransitionRejected(state, event string) {
	rejectedTransitions.WithLabelValues(state, event).Inc()
}

// UpdateBattery updates the host battery gauges
func UpdateBattery(level float64, charging bool) {
	batteryLevel.Set(level)
	if charging {
		batteryCharging.Set(1)
	} else {
		batteryCharging.Set(0)
	}
}

// UpdateLowPowerMode updates the low power throttling gauge
func UpdateLowPowerMode(active bool) {
	if active {
		lowPowerMode.Set(1)
	} else {
		lowPowerMode.Set(0)
	}
}

// RecordLowMemoryEvent records a handled low memory event
func RecordLowMemoryEvent() {
	lowMemoryEvents.Inc()
}

// RecordProcessingPause records a processing pause and its cause
func RecordProcessingPause(reason string) {
	processingPauses.WithLabelValues(reason).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
