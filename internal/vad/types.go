// Package vad implements the voice activity detection engine: it owns the
// capture wiring for one session, drives frames through a local or offloaded
// analyzer, applies adaptive power policy, and publishes detection state and
// periodic metrics to registered listeners.
//
// An engine serves exactly one capture session. Dispose tears it down; a new
// session constructs a new engine.
package vad

import (
	"context"
	"fmt"
	"time"

	"github.com/stagecue/rehearsal-gateway/internal/device"
)

// DetectionState is the per-frame analysis snapshot published to state
// listeners. Immutable once emitted.
type DetectionState struct {
	Speaking     bool      `json:"speaking"`
	NoiseLevel   float64   `json:"noiseLevel"`
	Confidence   float64   `json:"confidence"`
	LastActivity time.Time `json:"lastActivityTimestamp"`
}

// PerformanceMetrics accumulates monotonically over an analyzer's lifetime.
// StateTransitionCount counts speaking/silent flips, not session states.
type PerformanceMetrics struct {
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	PeakMemoryBytes         uint64  `json:"peakMemoryBytes"`
	TotalSamplesProcessed   uint64  `json:"totalSamplesProcessed"`
	StateTransitionCount    uint64  `json:"stateTransitionCount"`
	ErrorCount              uint64  `json:"errorCount"`
}

// MetricsReport is the externally published variant: analyzer metrics merged
// with the device profile and live power telemetry.
type MetricsReport struct {
	PerformanceMetrics

	Capabilities     device.Capabilities `json:"deviceCapabilities"`
	BatteryLevel     *float64            `json:"batteryLevel,omitempty"`
	Charging         *bool               `json:"isCharging,omitempty"`
	CaptureLatencyMs float64             `json:"captureLatencyMs"`
}

// MobileOptimization opts a session into the adaptive policies. All three
// sub-flags are gated on Enabled.
type MobileOptimization struct {
	Enabled            bool `json:"enabled"`
	BatteryAware       bool `json:"batteryAware"`
	AdaptiveBufferSize bool `json:"adaptiveBufferSize"`
	PowerSaveMode      bool `json:"powerSaveMode"`
}

// Config is caller-supplied at engine construction. BufferSize is advisory;
// the engine may override it per adaptive policy and platform pinning.
type Config struct {
	SampleRate       int                `json:"sampleRate"`
	BufferSize       int                `json:"bufferSize"`
	NoiseThreshold   float64            `json:"noiseThreshold"`
	SilenceThreshold float64            `json:"silenceThreshold"`
	Mobile           MobileOptimization `json:"mobileOptimization"`
}

// Validate rejects configurations the analyzer cannot run with. The
// threshold ordering matters most: confidence interpolation divides by the
// threshold gap.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.NoiseThreshold < 0 || c.NoiseThreshold >= 1 {
		return fmt.Errorf("noise threshold must be in [0, 1), got %f", c.NoiseThreshold)
	}
	if c.SilenceThreshold <= c.NoiseThreshold {
		return fmt.Errorf("silence threshold %f must exceed noise threshold %f",
			c.SilenceThreshold, c.NoiseThreshold)
	}
	if c.SilenceThreshold > 1 {
		return fmt.Errorf("silence threshold must be at most 1, got %f", c.SilenceThreshold)
	}
	return nil
}

// CaptureSource supplies raw audio chunks at the negotiated sample rate.
// Chunks carry no frame alignment; the engine assembles frames itself. The
// engine never selects or restarts a source, it only consumes what it is
// given until the channel closes.
type CaptureSource interface {
	Start(ctx context.Context, sampleRate int) error
	Samples() <-chan []float32
	Stop() error
}
