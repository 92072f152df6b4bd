package gateway

import (
	"context"
	"errors"
	"sync"
)

// mediaQueueDepth bounds decoded chunks waiting for the engine pump. The
// engine keeps its own small frame backlog; this queue absorbs WebSocket
// read bursts in front of it.
const mediaQueueDepth = 100

// captureSource adapts decoded client media into the engine's sample
// stream: the read loop pushes, the engine pump consumes. Implements
// vad.CaptureSource.
type captureSource struct {
	ch chan []float32

	mu      sync.Mutex
	started bool
	stopped bool
}

func newCaptureSource() *captureSource {
	return &captureSource{ch: make(chan []float32, mediaQueueDepth)}
}

// Start marks the source live. The sample rate passed by the engine is the
// resolved capture rate the client is expected to stream at; the source
// itself has no use for it.
func (c *captureSource) Start(_ context.Context, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("capture source is stopped")
	}
	if c.started {
		return errors.New("capture source already started")
	}
	c.started = true
	return nil
}

// Samples returns the decoded chunk stream. Closed by Stop.
func (c *captureSource) Samples() <-chan []float32 {
	return c.ch
}

// push offers one decoded chunk without blocking. Returns false when the
// backlog is full or the source is not accepting audio.
func (c *captureSource) push(samples []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.started {
		return false
	}
	select {
	case c.ch <- samples:
		return true
	default:
		return false
	}
}

// Stop closes the stream. Safe against concurrent push; pushes arriving
// after Stop report a drop instead of panicking on the closed channel.
func (c *captureSource) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.ch)
	return nil
}
