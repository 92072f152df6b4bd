// Package recorder forwards voiced audio to the downstream transcription
// service. It consumes detection snapshots and the session state machine as
// two independent gates: audio flows only while detection says speech is
// present and the session is in the recording state. The two signals are
// never merged into one flag; either alone can stop the flow.
package recorder

import "context"

// Result is one transcription message from the downstream service.
type Result struct {
	// Text is the transcribed text.
	Text string `json:"text"`

	// Final indicates a final transcription rather than an interim one.
	Final bool `json:"final"`

	// Confidence is the service's confidence score (0.0 to 1.0).
	Confidence float64 `json:"confidence"`

	// StartTime is the start of the utterance in seconds.
	StartTime float64 `json:"startTime"`

	// Duration is the utterance duration in seconds.
	Duration float64 `json:"duration"`
}

// Transcriber is the interface to a streaming speech-to-text service.
type Transcriber interface {
	// Start opens a transcription stream. Calling it on a live transcriber
	// replaces the stream, which is how reconnection works.
	Start(ctx context.Context) error

	// SendAudio forwards one chunk of PCM16 little-endian audio.
	SendAudio(pcm []byte) error

	// Results returns the channel transcriptions arrive on. The channel
	// survives reconnects and closes only on Close.
	Results() <-chan Result

	// Active reports whether a stream is currently connected.
	Active() bool

	// Stop ends the current stream gracefully.
	Stop() error

	// Close releases the transcriber. No reuse after Close.
	Close() error
}
