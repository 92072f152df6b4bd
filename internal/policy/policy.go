// Package policy computes the adaptive audio parameters for a capture
// session: buffer sizing from the device profile, low power detection from
// battery telemetry, frame admission under throttling, and the per-engine
// platform overrides that trump all of it.
package policy

import (
	"fmt"
	"math"

	"github.com/stagecue/rehearsal-gateway/internal/device"
)

const (
	// LowPowerLevel is the battery fraction below which a discharging
	// device enters low power mode.
	LowPowerLevel = 0.20

	// lowLatencyMaxBuffer caps the buffer on mobile devices that support
	// low latency capture.
	lowLatencyMaxBuffer = 512

	// WebKit engines pin these regardless of what was requested.
	webkitSampleRate   = 44100
	webkitMobileBuffer = 2048
)

// LowPower reports whether battery telemetry puts the session in low power
// mode: below the threshold and not charging.
func LowPower(level float64, charging bool) bool {
	return level < LowPowerLevel && !charging
}

// ComputeBufferSize adapts the configured buffer size to the device profile.
// Desktop devices keep the base size. Mobile devices double it under low
// power (fewer wake-ups beat latency) or clamp it for low latency capture.
// Every result is rounded to the nearest power of two because capture
// backends only accept power-of-two buffer sizes.
func ComputeBufferSize(base int, caps device.Capabilities, lowPower bool) int {
	if base < 1 {
		base = 1
	}

	size := base
	if caps.Mobile {
		if lowPower {
			size *= 2
		} else if caps.LowLatencyAudio && size > lowLatencyMaxBuffer {
			size = lowLatencyMaxBuffer
		}
	}

	return roundPowerOfTwo(size)
}

// roundPowerOfTwo rounds to 2^round(log2(n)).
func roundPowerOfTwo(n int) int {
	if n < 2 {
		return 1
	}
	exp := math.Round(math.Log2(float64(n)))
	return 1 << int(exp)
}

// ResolveSampleRate applies engine-family pinning to the requested capture
// rate. WebKit engines only run at 44.1 kHz; asking for anything else is a
// construction failure, not a silent override.
func ResolveSampleRate(caps device.Capabilities, requested int) (int, error) {
	if caps.WebKit() && requested != webkitSampleRate {
		return 0, fmt.Errorf("webkit pins the sample rate to %d Hz, cannot honor %d Hz", webkitSampleRate, requested)
	}
	return requested, nil
}

// OverrideBufferSize applies platform pinning on top of the adaptive size.
// WebKit on mobile ignores adaptive sizing entirely.
func OverrideBufferSize(caps device.Capabilities, computed int) int {
	if caps.WebKitMobile() {
		return webkitMobileBuffer
	}
	return computed
}
