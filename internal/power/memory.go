package power

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// MemorySampler returns host memory usage as a percentage.
type MemorySampler func() (float64, error)

func hostMemorySampler() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// MemoryWatcher publishes a LowMemoryEvent when host memory usage crosses
// the threshold. Edge triggered: one event per crossing, re-armed once
// usage falls back under the threshold.
type MemoryWatcher struct {
	bus       *Bus
	threshold float64
	interval  time.Duration
	sample    MemorySampler
	logger    zerolog.Logger

	over bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryWatcher creates a watcher firing above threshold percent.
func NewMemoryWatcher(bus *Bus, threshold float64, interval time.Duration, logger zerolog.Logger) *MemoryWatcher {
	if threshold <= 0 || threshold > 100 {
		threshold = 90
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MemoryWatcher{
		bus:       bus,
		threshold: threshold,
		interval:  interval,
		sample:    hostMemorySampler,
		logger:    logger.With().Str("component", "memory_watcher").Logger(),
		done:      make(chan struct{}),
	}
}

// NewMemoryWatcherWithSampler creates a watcher with a custom sampler, for
// tests.
func NewMemoryWatcherWithSampler(bus *Bus, threshold float64, interval time.Duration, sample MemorySampler, logger zerolog.Logger) *MemoryWatcher {
	w := NewMemoryWatcher(bus, threshold, interval, logger)
	w.sample = sample
	return w
}

// Start begins sampling.
func (w *MemoryWatcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts sampling. Safe to call more than once.
func (w *MemoryWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *MemoryWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *MemoryWatcher) check() {
	used, err := w.sample()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Memory sample failed")
		return
	}

	switch {
	case used >= w.threshold && !w.over:
		w.over = true
		w.logger.Warn().
			Float64("used_percent", used).
			Float64("threshold", w.threshold).
			Msg("Memory pressure, notifying subscribers")
		w.bus.PublishLowMemory(LowMemoryEvent{UsedPercent: used, At: time.Now()})
	case used < w.threshold && w.over:
		w.over = false
		w.logger.Info().
			Float64("used_percent", used).
			Msg("Memory pressure cleared")
	}
}
