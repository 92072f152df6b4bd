package power

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/distatus/battery"
	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/observability"
	"github.com/stagecue/rehearsal-gateway/internal/resilience"
)

// BatteryReader reads the host battery once. Swapped out in tests.
type BatteryReader interface {
	Read() (level float64, charging bool, err error)
}

// Monitor samples the host battery on an interval and publishes a
// BatteryEvent whenever level (percent granularity) or charging flips.
// There is one monitor per process; a start failure means the host has no
// usable battery and callers proceed without low power throttling.
type Monitor struct {
	bus      *Bus
	interval time.Duration
	retry    *resilience.RetryConfig
	reader   BatteryReader
	logger   zerolog.Logger

	mu      sync.RWMutex
	last    BatteryEvent
	hasLast bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor over the host battery. A nil retry config
// keeps the boot path fast: three quick attempts before Start gives up.
func NewMonitor(bus *Bus, interval time.Duration, retry *resilience.RetryConfig, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if retry == nil {
		retry = &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    50 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
	}
	return &Monitor{
		bus:      bus,
		interval: interval,
		retry:    retry,
		reader:   distatusReader{},
		logger:   logger.With().Str("component", "battery_monitor").Logger(),
		done:     make(chan struct{}),
	}
}

// NewMonitorWithReader creates a monitor with a custom reader, for tests.
func NewMonitorWithReader(bus *Bus, interval time.Duration, reader BatteryReader, logger zerolog.Logger) *Monitor {
	m := NewMonitor(bus, interval, nil, logger)
	m.reader = reader
	return m
}

// Start performs the initial read and begins sampling. A failed initial
// read (after retries) is returned to the caller; the monitor is then dead
// and must not be reused.
func (m *Monitor) Start() error {
	level, charging, err := m.read()
	if err != nil {
		return fmt.Errorf("initial battery read: %w", err)
	}
	m.record(level, charging, true)

	m.wg.Add(1)
	go m.loop()

	m.logger.Info().
		Float64("level", level).
		Bool("charging", charging).
		Dur("interval", m.interval).
		Msg("Battery monitor started")
	return nil
}

// Stop halts sampling. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

// Last returns the most recent reading, if any.
func (m *Monitor) Last() (BatteryEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			level, charging, err := m.read()
			if err != nil {
				// transient: keep the last reading and try again next tick
				m.logger.Warn().Err(err).Msg("Battery read failed")
				continue
			}
			m.record(level, charging, false)
		}
	}
}

// read samples the battery with a short retry; hardware queries flake
// under load.
func (m *Monitor) read() (float64, bool, error) {
	var level float64
	var charging bool
	err := resilience.Retry(func() error {
		l, c, err := m.reader.Read()
		if err != nil {
			return err
		}
		level, charging = l, c
		return nil
	}, m.retry, nil)
	return level, charging, err
}

func (m *Monitor) record(level float64, charging bool, force bool) {
	// percent granularity; raw capacity ratios jitter every read
	level = math.Round(level*100) / 100

	m.mu.Lock()
	changed := force || level != m.last.Level || charging != m.last.Charging
	evt := BatteryEvent{Level: level, Charging: charging, At: time.Now()}
	m.last = evt
	m.hasLast = true
	m.mu.Unlock()

	observability.UpdateBattery(level, charging)

	if changed {
		m.logger.Debug().
			Float64("level", level).
			Bool("charging", charging).
			Msg("Battery change")
		m.bus.PublishBattery(evt)
	}
}

// distatusReader aggregates all host batteries into one reading.
type distatusReader struct{}

func (distatusReader) Read() (float64, bool, error) {
	batteries, err := battery.GetAll()
	if err != nil && len(batteries) == 0 {
		return 0, false, err
	}

	var current, full float64
	charging := false
	for _, b := range batteries {
		if b == nil || math.IsNaN(b.Current) || math.IsNaN(b.Full) {
			continue
		}
		current += b.Current
		full += b.Full
		// Full counts as external power for throttling purposes
		if b.State == battery.Charging || b.State == battery.Full {
			charging = true
		}
	}
	if full <= 0 {
		return 0, false, fmt.Errorf("no usable battery readings")
	}

	level := current / full
	if level > 1 {
		level = 1
	}
	return level, charging, nil
}
