package device

import (
	"context"
	"strings"
)

// Platform identifies the client's browser engine family. Audio behavior
// differs per engine, so detection feeds directly into buffer and sample
// rate policy.
type Platform string

const (
	PlatformBlink   Platform = "blink"
	PlatformGecko   Platform = "gecko"
	PlatformWebKit  Platform = "webkit"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform normalizes a client-reported engine name. Unrecognized names
// map to PlatformUnknown rather than failing the session.
func ParsePlatform(name string) Platform {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "blink", "chromium", "chrome", "edge":
		return PlatformBlink
	case "gecko", "firefox":
		return PlatformGecko
	case "webkit", "safari":
		return PlatformWebKit
	default:
		return PlatformUnknown
	}
}

// ClientHints is what the rehearsal client reports about itself in the
// session start message. Hints are advisory; host facts come from the probe.
type ClientHints struct {
	Platform        string `json:"platform"`
	Mobile          bool   `json:"mobile"`
	LowLatencyAudio bool   `json:"lowLatencyAudio"`
	MonotonicClock  bool   `json:"monotonicClock"`
	SampleRate      int    `json:"sampleRate"`
	BufferSize      int    `json:"bufferSize"`
}

// Capabilities is the resolved device profile a session runs with. It is
// computed once at session setup and treated as immutable afterwards.
type Capabilities struct {
	Platform        Platform `json:"platform"`
	Mobile          bool     `json:"mobile"`
	LowLatencyAudio bool     `json:"lowLatencyAudio"`
	MonotonicClock  bool     `json:"monotonicClock"`
	HasBattery      bool     `json:"hasBattery"`
	CPUCores        int      `json:"cpuCores"`
	WorkerOffload   bool     `json:"workerOffload"`
}

// WebKit reports whether the client runs a WebKit engine, mobile or not.
func (c Capabilities) WebKit() bool {
	return c.Platform == PlatformWebKit
}

// WebKitMobile reports the combination that pins the audio buffer size.
func (c Capabilities) WebKitMobile() bool {
	return c.Platform == PlatformWebKit && c.Mobile
}

// Detect resolves a device profile from client hints and host facts.
// Worker offload requires both operator opt-in and more than one core;
// a single-core host would just add queueing latency.
func Detect(ctx context.Context, hints ClientHints, probe Prober, offloadEnabled bool) Capabilities {
	cores := probe.CPUCores(ctx)
	if cores < 1 {
		cores = 1
	}

	return Capabilities{
		Platform:        ParsePlatform(hints.Platform),
		Mobile:          hints.Mobile,
		LowLatencyAudio: hints.LowLatencyAudio,
		MonotonicClock:  hints.MonotonicClock,
		HasBattery:      probe.HasBattery(ctx),
		CPUCores:        cores,
		WorkerOffload:   offloadEnabled && cores > 1,
	}
}
