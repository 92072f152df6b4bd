package audio

import (
	"math"
	"time"
)

// Frame is a fixed-size block of mono audio samples delivered by a capture
// source at buffer-size granularity. Samples are normalized floats in [-1, 1].
type Frame struct {
	Samples  []float32
	Captured time.Time
}

// Measurement is the result of analyzing a single frame. It carries no state;
// rolling noise estimation lives in the engine, not here.
type Measurement struct {
	// RMS is the root-mean-square amplitude of the frame (0.0 to 1.0 for
	// normalized input).
	RMS float64

	// Speaking is true when RMS exceeds the noise threshold.
	Speaking bool

	// Confidence is 0 at/below the noise threshold, 1 at/above the silence
	// threshold, and linearly interpolated between the two.
	Confidence float64
}

// Measure analyzes one frame of samples against the configured thresholds.
// It is a pure function: same input, same output, no side effects.
func Measure(samples []float32, noiseThreshold, silenceThreshold float64) Measurement {
	rms := RMS(samples)
	return Measurement{
		RMS:        rms,
		Speaking:   rms > noiseThreshold,
		Confidence: Confidence(rms, noiseThreshold, silenceThreshold),
	}
}

// RMS calculates the root-mean-square amplitude of audio samples.
// Returns 0 for an empty frame.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// Confidence maps an RMS amplitude onto [0, 1] between the two thresholds.
// Callers must guarantee silenceThreshold > noiseThreshold; the engine rejects
// configurations that violate this at construction.
func Confidence(rms, noiseThreshold, silenceThreshold float64) float64 {
	if rms <= noiseThreshold {
		return 0.0
	}
	if rms >= silenceThreshold {
		return 1.0
	}
	return (rms - noiseThreshold) / (silenceThreshold - noiseThreshold)
}
