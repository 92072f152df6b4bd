package gateway

import (
	"github.com/stagecue/rehearsal-gateway/internal/device"
	"github.com/stagecue/rehearsal-gateway/internal/recorder"
	"github.com/stagecue/rehearsal-gateway/internal/session"
	"github.com/stagecue/rehearsal-gateway/internal/vad"
)

// Client message types.
const (
	MessageStart       = "start"
	MessageMedia       = "media"
	MessageEnv         = "env"
	MessageRecordStart = "record-start"
	MessageRecordStop  = "record-stop"
	MessageStop        = "stop"
)

// Server message types.
const (
	MessageState      = "state"
	MessageDetection  = "detection"
	MessageMetrics    = "metrics"
	MessageError      = "error"
	MessageTranscript = "transcript"
)

// Environment event kinds carried by env messages.
const (
	EnvScroll       = "scroll"
	EnvLowMemory    = "low-memory"
	EnvInterruption = "interruption"
	EnvBattery      = "battery"
)

// ClientMessage is the envelope for everything the rehearsal client sends.
// At most one payload field is set, matching Type.
type ClientMessage struct {
	Type  string        `json:"type"`
	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Env   *EnvPayload   `json:"env,omitempty"`
}

// StartPayload is the session hello: device hints plus optional tuning
// overrides. Absent thresholds fall back to the server configuration; an
// absent optimization block enables the full adaptive treatment for mobile
// clients and none of it otherwise.
type StartPayload struct {
	device.ClientHints

	NoiseThreshold   *float64                `json:"noiseThreshold,omitempty"`
	SilenceThreshold *float64                `json:"silenceThreshold,omitempty"`
	Optimization     *vad.MobileOptimization `json:"optimization,omitempty"`
}

// MediaPayload carries one chunk of captured audio.
type MediaPayload struct {
	// Chunk is base64 encoded 16 bit little endian PCM at the session's
	// capture rate.
	Chunk string `json:"chunk"`
}

// EnvPayload reports a client environment event. Kind selects which of the
// remaining fields are meaningful.
type EnvPayload struct {
	Kind        string  `json:"kind"`
	Reason      string  `json:"reason,omitempty"`
	Level       float64 `json:"level,omitempty"`
	Charging    bool    `json:"charging,omitempty"`
	UsedPercent float64 `json:"usedPercent,omitempty"`
}

// ServerMessage is the envelope for everything pushed to the client.
type ServerMessage struct {
	Type       string                `json:"type"`
	State      *session.StateData    `json:"state,omitempty"`
	Detection  *vad.DetectionState   `json:"detection,omitempty"`
	Metrics    *vad.MetricsReport    `json:"metrics,omitempty"`
	Error      *session.ErrorDetails `json:"error,omitempty"`
	Transcript *recorder.Result      `json:"transcript,omitempty"`
}
