// Package power carries the environment telemetry that drives adaptive
// throttling: battery state, memory pressure, and the client environment
// events (scroll, interruption) relayed by the gateway. Producers publish
// onto a shared bus; the detection engine subscribes for its lifetime.
package power

import (
	"time"
)

// Bus topics. One payload type per topic.
const (
	TopicBatteryChange = "battery:change"
	TopicScroll        = "env:scroll"
	TopicLowMemory     = "env:lowmemory"
	TopicInterruption  = "env:interruption"
)

// BatteryEvent reports a level or charging flip. Level is a fraction of
// full charge rounded to percent granularity.
type BatteryEvent struct {
	Level    float64   `json:"level"`
	Charging bool      `json:"charging"`
	At       time.Time `json:"at"`
}

// ScrollEvent notes client scroll activity; the engine pauses briefly to
// avoid competing with rendering.
type ScrollEvent struct {
	At time.Time `json:"at"`
}

// LowMemoryEvent reports memory pressure, host-side or client-reported.
type LowMemoryEvent struct {
	UsedPercent float64   `json:"usedPercent"`
	At          time.Time `json:"at"`
}

// InterruptionEvent reports that the platform suspended audio capture,
// for example an incoming call on the client device.
type InterruptionEvent struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
