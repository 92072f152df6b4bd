package audio

import (
	"sync"
	"time"
)

// SampleBuffer is a thread-safe accumulator that reassembles arbitrarily
// sized sample chunks into fixed-size analysis frames. Network delivery does
// not respect frame boundaries, so writers append whatever arrives and
// readers pull complete frames only.
type SampleBuffer struct {
	samples   []float32
	frameSize int
	capacity  int
	dropped   uint64
	mu        sync.Mutex
}

// NewSampleBuffer creates a buffer that assembles frames of frameSize
// samples and retains at most maxFrames frames of backlog. When the backlog
// is exceeded the oldest samples are discarded, keeping detection current
// rather than accurate for stale audio.
func NewSampleBuffer(frameSize, maxFrames int) *SampleBuffer {
	if frameSize <= 0 {
		frameSize = 1024
	}
	if maxFrames <= 0 {
		maxFrames = 8
	}
	return &SampleBuffer{
		samples:   make([]float32, 0, frameSize*maxFrames),
		frameSize: frameSize,
		capacity:  frameSize * maxFrames,
	}
}

// Write appends samples to the buffer, discarding the oldest backlog when
// capacity is exceeded. Returns the number of samples accepted (always all
// of them; overflow evicts old data instead of rejecting new data).
func (sb *SampleBuffer) Write(samples []float32) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.samples = append(sb.samples, samples...)
	if overflow := len(sb.samples) - sb.capacity; overflow > 0 {
		sb.samples = sb.samples[overflow:]
		sb.dropped += uint64(overflow)
	}

	return len(samples)
}

// ReadFrame extracts one complete frame if enough samples have accumulated.
// Returns nil and false when a full frame is not yet available.
func (sb *SampleBuffer) ReadFrame() (Frame, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if len(sb.samples) < sb.frameSize {
		return Frame{}, false
	}

	frame := Frame{
		Samples:  make([]float32, sb.frameSize),
		Captured: time.Now(),
	}
	copy(frame.Samples, sb.samples[:sb.frameSize])
	sb.samples = sb.samples[sb.frameSize:]

	return frame, true
}

// Available returns the number of samples waiting to be framed.
func (sb *SampleBuffer) Available() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.samples)
}

// Dropped returns the total number of samples discarded due to backlog
// overflow since the buffer was created.
func (sb *SampleBuffer) Dropped() uint64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.dropped
}

// Clear discards all buffered samples. Pending partial frames are lost.
func (sb *SampleBuffer) Clear() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.samples = sb.samples[:0]
}
