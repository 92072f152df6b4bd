package vad

import (
	"errors"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/stagecue/rehearsal-gateway/internal/audio"
)

// rssSampleInterval controls how often the analyzer pays for a process
// memory lookup. Sampling every frame would dominate the frame budget.
const rssSampleInterval = 128

// ErrEmptyFrame is surfaced as an analysis error when a frame arrives with
// no samples. It counts toward ErrorCount but never stops the stream.
var ErrEmptyFrame = errors.New("empty audio frame")

// analysisResult is the unit flowing from an analyzer back to the engine's
// dispatch loop. Exactly one of Measurement/Err is meaningful.
type analysisResult struct {
	Measurement audio.Measurement
	Captured    time.Time
	Elapsed     time.Duration
	Offloaded   bool
	Err         error
}

// analyzerCore holds the threshold configuration and the lifetime counters.
// It is not safe for concurrent use; the local path runs it on the pump
// goroutine and the offload path runs it on the worker goroutine, never
// both.
type analyzerCore struct {
	noiseThreshold   float64
	silenceThreshold float64

	proc       *process.Process
	frameCount uint64

	totalSamples    uint64
	transitions     uint64
	errorCount      uint64
	peakMemoryBytes uint64
	procTimes       *audio.Window

	speaking bool
}

func newAnalyzerCore(noiseThreshold, silenceThreshold float64) *analyzerCore {
	core := &analyzerCore{
		noiseThreshold:   noiseThreshold,
		silenceThreshold: silenceThreshold,
		procTimes:        audio.NewWindow(100),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		core.proc = proc
	}
	return core
}

// analyze measures one frame and updates the lifetime counters. Errors are
// returned inside the result so the stream stays ordered.
func (c *analyzerCore) analyze(frame audio.Frame) analysisResult {
	start := time.Now()
	if len(frame.Samples) == 0 {
		c.errorCount++
		return analysisResult{Captured: frame.Captured, Err: ErrEmptyFrame}
	}

	m := audio.Measure(frame.Samples, c.noiseThreshold, c.silenceThreshold)
	elapsed := time.Since(start)

	c.totalSamples += uint64(len(frame.Samples))
	c.procTimes.Push(float64(elapsed) / float64(time.Millisecond))
	if m.Speaking != c.speaking {
		c.transitions++
	}
	c.speaking = m.Speaking

	c.frameCount++
	if c.frameCount%rssSampleInterval == 1 {
		c.sampleMemory()
	}

	return analysisResult{
		Measurement: m,
		Captured:    frame.Captured,
		Elapsed:     elapsed,
	}
}

func (c *analyzerCore) sampleMemory() {
	if c.proc == nil {
		return
	}
	info, err := c.proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	if info.RSS > c.peakMemoryBytes {
		c.peakMemoryBytes = info.RSS
	}
}

func (c *analyzerCore) snapshot() PerformanceMetrics {
	return PerformanceMetrics{
		AverageProcessingTimeMs: c.procTimes.Mean(),
		PeakMemoryBytes:         c.peakMemoryBytes,
		TotalSamplesProcessed:   c.totalSamples,
		StateTransitionCount:    c.transitions,
		ErrorCount:              c.errorCount,
	}
}

// clearHistory drops the rolling processing-time window but keeps the
// lifetime counters. Used on memory pressure.
func (c *analyzerCore) clearHistory() {
	c.procTimes.Clear()
}
