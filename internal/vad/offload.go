package vad

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/audio"
)

// offloadQueueDepth bounds the frames awaiting analysis. A full queue means
// the worker is falling behind; submit reports that instead of blocking the
// capture path.
const offloadQueueDepth = 16

// offloadAnalyzer runs the analyzer core on a dedicated worker goroutine.
// Frames, metrics requests, and history clears all travel over channels, so
// the core itself needs no locking. Results come back on the engine-owned
// out channel in submission order.
type offloadAnalyzer struct {
	logger zerolog.Logger
	core   *analyzerCore
	out    chan<- analysisResult

	in         chan audio.Frame
	metricsReq chan chan PerformanceMetrics
	clearReq   chan struct{}
	quit       chan struct{}
	quitOnce   sync.Once

	mu   sync.Mutex
	done chan struct{}
}

func newOffloadAnalyzer(noiseThreshold, silenceThreshold float64, out chan<- analysisResult, logger zerolog.Logger) *offloadAnalyzer {
	return &offloadAnalyzer{
		logger:     logger.With().Str("component", "vad_worker").Logger(),
		core:       newAnalyzerCore(noiseThreshold, silenceThreshold),
		out:        out,
		in:         make(chan audio.Frame, offloadQueueDepth),
		metricsReq: make(chan chan PerformanceMetrics),
		clearReq:   make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
}

// start launches a worker generation. The core survives restarts, so
// lifetime counters keep accumulating across a respawn.
func (o *offloadAnalyzer) start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil {
		select {
		case <-o.done:
		default:
			return errors.New("analysis worker already running")
		}
	}
	done := make(chan struct{})
	o.done = done
	go o.run(ctx, done)
	return nil
}

func (o *offloadAnalyzer) run(ctx context.Context, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Msg("Analysis worker crashed")
		}
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.quit:
			return
		case frame := <-o.in:
			res := o.core.analyze(frame)
			res.Offloaded = true
			select {
			case o.out <- res:
			case <-ctx.Done():
				return
			case <-o.quit:
				return
			}
		case reply := <-o.metricsReq:
			reply <- o.core.snapshot()
		case <-o.clearReq:
			o.core.clearHistory()
		}
	}
}

// submit hands a frame to the worker without blocking the capture path.
// A false return means the queue is saturated and the frame was not taken.
func (o *offloadAnalyzer) submit(frame audio.Frame) bool {
	select {
	case o.in <- frame:
		return true
	default:
		return false
	}
}

// requestMetrics asks the worker for a counter snapshot. It fails only if
// the context expires before the worker services the request.
func (o *offloadAnalyzer) requestMetrics(ctx context.Context) (PerformanceMetrics, bool) {
	reply := make(chan PerformanceMetrics, 1)
	select {
	case o.metricsReq <- reply:
	case <-ctx.Done():
		return PerformanceMetrics{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-ctx.Done():
		return PerformanceMetrics{}, false
	}
}

// requestClear asks the worker to drop its rolling processing-time history.
// Coalesces if a clear is already pending.
func (o *offloadAnalyzer) requestClear() {
	select {
	case o.clearReq <- struct{}{}:
	default:
	}
}

// flush discards frames still waiting in the queue and reports how many.
// Used after a worker crash so the respawned worker starts current.
func (o *offloadAnalyzer) flush() int {
	n := 0
	for {
		select {
		case <-o.in:
			n++
		default:
			return n
		}
	}
}

// exited exposes the current worker generation's termination signal.
func (o *offloadAnalyzer) exited() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *offloadAnalyzer) stop() {
	o.quitOnce.Do(func() { close(o.quit) })
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}
