package vad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/audio"
	"github.com/stagecue/rehearsal-gateway/internal/device"
	"github.com/stagecue/rehearsal-gateway/internal/observability"
	"github.com/stagecue/rehearsal-gateway/internal/policy"
	"github.com/stagecue/rehearsal-gateway/internal/power"
	"github.com/stagecue/rehearsal-gateway/internal/resilience"
)

const (
	// scrollPauseDuration is how long frame analysis yields after a scroll
	// event. Repeated scrolls extend the window rather than stack.
	scrollPauseDuration = 100 * time.Millisecond

	metricsPollInterval = time.Second
	routeDrainTimeout   = 100 * time.Millisecond
	maxBufferedFrames   = 8
	resultQueueDepth    = 64
	noiseWindowFrames   = 50
	maxWorkerCrashes    = 5
	offloadMaxFailures  = 5
	offloadResetTimeout = 2 * time.Second
)

var (
	// ErrDisposed is returned when a disposed engine is asked to do work.
	ErrDisposed = errors.New("detection engine is disposed")

	// ErrInterrupted is wrapped into the errors delivered to error listeners
	// when the capture path reports an interruption.
	ErrInterrupted = errors.New("audio capture interrupted")
)

type stateListener struct {
	id int
	fn func(DetectionState)
}

type errorListener struct {
	id int
	fn func(error)
}

type metricsListener struct {
	id int
	fn func(MetricsReport)
}

// Engine drives voice activity detection for a single capture session.
//
// Frames flow from the CaptureSource through the frame buffer, past the
// power policy gates, into either the local analyzer (synchronous, on the
// pump goroutine) or the offload worker. Results come back on one ordered
// channel regardless of route, so listeners observe detection states in
// frame order. A circuit breaker around the offload queue demotes the
// engine to local analysis when the worker cannot keep up and promotes it
// back once the worker recovers.
type Engine struct {
	cfg     Config
	caps    device.Capabilities
	bus     *power.Bus
	metrics *observability.SessionMetrics
	logger  zerolog.Logger

	breaker *resilience.CircuitBreaker
	results chan analysisResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	localMu sync.Mutex
	local   *analyzerCore

	offload        *offloadAnalyzer
	offloadDead    atomic.Bool
	pendingOffload atomic.Int64
	routeOffload   bool

	mu           sync.Mutex
	initialized  bool
	disposed     bool
	source       CaptureSource
	frames       *audio.SampleBuffer
	dropReported uint64
	sampleRate   int
	bufferSize   int
	lowPower     bool
	battery      *power.BatteryEvent
	pausedUntil  time.Time
	gate         policy.FrameGate
	noiseWindow  *audio.Window
	lastState    DetectionState

	listenerMu       sync.Mutex
	nextListenerID   int
	stateListeners   []stateListener
	errorListeners   []errorListener
	metricsListeners []metricsListener

	busBattery      func(power.BatteryEvent)
	busScroll       func(power.ScrollEvent)
	busLowMemory    func(power.LowMemoryEvent)
	busInterruption func(power.InterruptionEvent)

	disposeOnce sync.Once
}

// NewEngine validates the configuration and resolves the capture parameters
// against the device profile. The monitor may be nil when the host exposes
// no battery; the engine then runs without low power adaptation. Capture
// does not start until Initialize.
func NewEngine(cfg Config, caps device.Capabilities, bus *power.Bus, monitor *power.Monitor, metrics *observability.SessionMetrics, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection config: %w", err)
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}

	rate, err := policy.ResolveSampleRate(caps, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		caps:        caps,
		bus:         bus,
		metrics:     metrics,
		logger:      logger.With().Str("component", "vad_engine").Logger(),
		breaker:     resilience.NewCircuitBreaker("offload", offloadMaxFailures, offloadResetTimeout),
		results:     make(chan analysisResult, resultQueueDepth),
		local:       newAnalyzerCore(cfg.NoiseThreshold, cfg.SilenceThreshold),
		sampleRate:  rate,
		noiseWindow: audio.NewWindow(noiseWindowFrames),
	}

	if monitor != nil && e.batteryAware() {
		if ev, ok := monitor.Last(); ok {
			e.battery = &ev
			e.lowPower = policy.LowPower(ev.Level, ev.Charging)
		}
	}
	e.bufferSize = e.resolveBufferSize(e.lowPower)

	if caps.WorkerOffload {
		e.offload = newOffloadAnalyzer(cfg.NoiseThreshold, cfg.SilenceThreshold, e.results, logger)
		e.routeOffload = true
	}

	return e, nil
}

// Initialize starts capture and the processing goroutines. It may be called
// once; a disposed engine cannot be initialized.
func (e *Engine) Initialize(ctx context.Context, source CaptureSource) error {
	if source == nil {
		return errors.New("capture source is required")
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.initialized {
		e.mu.Unlock()
		return errors.New("detection engine already initialized")
	}
	e.initialized = true
	e.source = source
	e.frames = audio.NewSampleBuffer(e.bufferSize, maxBufferedFrames)
	e.ctx, e.cancel = context.WithCancel(ctx)
	sampleRate := e.sampleRate
	bufferSize := e.bufferSize
	lowPower := e.lowPower
	e.mu.Unlock()

	if err := source.Start(e.ctx, sampleRate); err != nil {
		e.cancel()
		return fmt.Errorf("starting capture: %w", err)
	}

	if e.offload != nil {
		if err := e.offload.start(e.ctx); err != nil {
			e.cancel()
			_ = source.Stop()
			return fmt.Errorf("starting analysis worker: %w", err)
		}
		e.wg.Add(2)
		go e.watchWorker()
		go e.metricsLoop()
	}

	e.subscribeBus()

	e.wg.Add(2)
	go e.pump()
	go e.dispatch()

	observability.UpdateCircuitBreakerState(e.breaker.Name(), int(e.breaker.GetState()))
	e.logger.Info().
		Int("sample_rate", sampleRate).
		Int("buffer_size", bufferSize).
		Bool("offload", e.offload != nil).
		Bool("low_power", lowPower).
		Str("platform", string(e.caps.Platform)).
		Msg("Detection engine initialized")
	return nil
}

func (e *Engine) batteryAware() bool {
	return e.cfg.Mobile.Enabled && e.cfg.Mobile.BatteryAware && e.caps.HasBattery
}

func (e *Engine) adaptiveBuffer() bool {
	return e.cfg.Mobile.Enabled && e.cfg.Mobile.AdaptiveBufferSize
}

func (e *Engine) powerSave() bool {
	return e.cfg.Mobile.Enabled && e.cfg.Mobile.PowerSaveMode
}

// resolveBufferSize runs the adaptive sizing when enabled, then lets the
// platform override trump whatever came out.
func (e *Engine) resolveBufferSize(lowPower bool) int {
	size := e.cfg.BufferSize
	if e.adaptiveBuffer() {
		size = policy.ComputeBufferSize(size, e.caps, lowPower)
	}
	return policy.OverrideBufferSize(e.caps, size)
}

func (e *Engine) subscribeBus() {
	e.busScroll = func(power.ScrollEvent) { e.OnScroll() }
	e.busLowMemory = func(power.LowMemoryEvent) { e.OnLowMemory() }
	e.busInterruption = func(ev power.InterruptionEvent) { e.OnAudioInterrupted(ev.Reason) }

	if err := e.bus.SubscribeScroll(e.busScroll); err != nil {
		e.logger.Warn().Err(err).Msg("Scroll subscription failed")
	}
	if err := e.bus.SubscribeLowMemory(e.busLowMemory); err != nil {
		e.logger.Warn().Err(err).Msg("Low memory subscription failed")
	}
	if err := e.bus.SubscribeInterruption(e.busInterruption); err != nil {
		e.logger.Warn().Err(err).Msg("Interruption subscription failed")
	}
	if e.batteryAware() {
		e.busBattery = func(ev power.BatteryEvent) { e.onBattery(ev) }
		if err := e.bus.SubscribeBattery(e.busBattery); err != nil {
			e.logger.Warn().Err(err).Msg("Battery subscription failed")
		}
	}
}

func (e *Engine) unsubscribeBus() {
	if e.busScroll != nil {
		_ = e.bus.UnsubscribeScroll(e.busScroll)
	}
	if e.busLowMemory != nil {
		_ = e.bus.UnsubscribeLowMemory(e.busLowMemory)
	}
	if e.busInterruption != nil {
		_ = e.bus.UnsubscribeInterruption(e.busInterruption)
	}
	if e.busBattery != nil {
		_ = e.bus.UnsubscribeBattery(e.busBattery)
	}
}

// onBattery re-evaluates low power mode on every battery change. A flip
// resets the frame gate and recomputes the buffer size in place; capture
// keeps running, only framing changes.
func (e *Engine) onBattery(ev power.BatteryEvent) {
	e.mu.Lock()
	e.battery = &ev
	low := policy.LowPower(ev.Level, ev.Charging)
	changed := low != e.lowPower
	var bufferSize int
	if changed {
		e.lowPower = low
		e.gate.Reset()
		if e.adaptiveBuffer() {
			e.resizeLocked(e.resolveBufferSize(low))
		}
		bufferSize = e.bufferSize
	}
	e.mu.Unlock()

	if changed {
		observability.UpdateLowPowerMode(low)
		e.logger.Info().
			Bool("low_power", low).
			Float64("level", ev.Level).
			Bool("charging", ev.Charging).
			Int("buffer_size", bufferSize).
			Msg("Power state changed")
	}
}

// resizeLocked swaps the frame buffer for one with the new frame size.
// Samples short of a full frame are dropped; their drop count is flushed to
// the session metrics first. Callers hold e.mu.
func (e *Engine) resizeLocked(size int) {
	if size == e.bufferSize {
		return
	}
	e.bufferSize = size
	if e.frames == nil {
		return
	}
	if d := e.frames.Dropped(); d > e.dropReported && e.metrics != nil {
		e.metrics.RecordSamplesDropped(d - e.dropReported)
	}
	e.dropReported = 0
	e.frames = audio.NewSampleBuffer(size, maxBufferedFrames)
}

func (e *Engine) pump() {
	defer e.wg.Done()
	samples := e.source.Samples()
	for {
		select {
		case <-e.ctx.Done():
			return
		case chunk, ok := <-samples:
			if !ok {
				e.logger.Debug().Msg("Capture stream ended")
				return
			}
			e.ingest(chunk)
		}
	}
}

// ingest appends a chunk and processes every complete frame it yields.
func (e *Engine) ingest(chunk []float32) {
	if len(chunk) == 0 {
		return
	}

	e.mu.Lock()
	e.frames.Write(chunk)
	if d := e.frames.Dropped(); d > e.dropReported {
		if e.metrics != nil {
			e.metrics.RecordSamplesDropped(d - e.dropReported)
		}
		e.dropReported = d
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordSamplesIngested(len(chunk))
	}

	for {
		e.mu.Lock()
		frame, ok := e.frames.ReadFrame()
		if !ok {
			e.mu.Unlock()
			return
		}
		if time.Now().Before(e.pausedUntil) {
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.RecordFrameSkipped()
			}
			continue
		}
		admit := e.gate.Admit(e.lowPower && e.powerSave())
		e.mu.Unlock()

		if !admit {
			if e.metrics != nil {
				e.metrics.RecordFrameSkipped()
			}
			continue
		}
		e.process(frame)
	}
}

// process routes one admitted frame to the active analyzer. When the route
// flips (breaker opening or recovering) the pump first waits for in-flight
// worker results so emissions stay in frame order across the switch.
func (e *Engine) process(frame audio.Frame) {
	useOffload := e.offloadAvailable() && e.breaker.Allow()
	if useOffload != e.routeOffload {
		e.drainOffload(routeDrainTimeout)
		e.routeOffload = useOffload
		observability.UpdateCircuitBreakerState(e.breaker.Name(), int(e.breaker.GetState()))
		e.logger.Debug().Bool("offloaded", useOffload).Msg("Analysis route changed")
	}

	if useOffload {
		if e.offload.submit(frame) {
			e.pendingOffload.Add(1)
			return
		}
		e.breaker.RecordResult(false)
		observability.IncrementCircuitBreakerFailures(e.breaker.Name())
		if e.metrics != nil {
			e.metrics.RecordFrameSkipped()
		}
		e.logger.Warn().Msg("Analysis worker queue saturated, frame dropped")
		return
	}

	e.localMu.Lock()
	res := e.local.analyze(frame)
	e.localMu.Unlock()

	select {
	case e.results <- res:
	case <-e.ctx.Done():
	}
}

func (e *Engine) offloadAvailable() bool {
	return e.offload != nil && !e.offloadDead.Load()
}

func (e *Engine) drainOffload(timeout time.Duration) {
	if e.offload == nil || e.pendingOffload.Load() == 0 {
		return
	}
	deadline := time.Now().Add(timeout)
	for e.pendingOffload.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case res := <-e.results:
			e.handleResult(res)
		}
	}
}

func (e *Engine) handleResult(res analysisResult) {
	if res.Offloaded {
		e.pendingOffload.Add(-1)
		e.breaker.RecordResult(res.Err == nil)
		if res.Err != nil {
			observability.IncrementCircuitBreakerFailures(e.breaker.Name())
		}
	}

	if res.Err != nil {
		e.logger.Warn().Err(res.Err).Msg("Frame analysis failed")
		e.notifyError(res.Err)
		return
	}

	e.mu.Lock()
	e.noiseWindow.Push(res.Measurement.RMS)
	state := DetectionState{
		Speaking:     res.Measurement.Speaking,
		NoiseLevel:   e.noiseWindow.Mean(),
		Confidence:   res.Measurement.Confidence,
		LastActivity: e.lastState.LastActivity,
	}
	if res.Measurement.Speaking {
		state.LastActivity = res.Captured
	}
	speechStarted := res.Measurement.Speaking && !e.lastState.Speaking
	e.lastState = state
	e.mu.Unlock()

	if e.metrics != nil {
		mode := "local"
		if res.Offloaded {
			mode = "offload"
		}
		e.metrics.RecordFrame(mode, res.Elapsed)
		if speechStarted {
			e.metrics.RecordSpeechSegment()
		}
	}

	e.notifyState(state)
}

// watchWorker respawns the offload worker if its goroutine exits outside a
// shutdown. After repeated crashes offload is disabled for the rest of the
// session and local analysis serves alone.
func (e *Engine) watchWorker() {
	defer e.wg.Done()
	crashes := 0
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.offload.exited():
		}
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		flushed := e.offload.flush()
		e.pendingOffload.Store(0)
		if flushed > 0 {
			e.logger.Warn().Int("frames", flushed).Msg("Dropped frames queued for crashed worker")
		}
		crashes++
		if crashes > maxWorkerCrashes {
			e.offloadDead.Store(true)
			e.logger.Error().Int("crashes", crashes).Msg("Disabling analysis offload after repeated worker crashes")
			return
		}

		e.logger.Warn().Int("crashes", crashes).Msg("Analysis worker exited, restarting")
		err := resilience.Reconnect(e.ctx, e.logger, func() error {
			return e.offload.start(e.ctx)
		}, &resilience.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     50 * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  time.Second,
		})
		if err != nil {
			e.offloadDead.Store(true)
			e.logger.Error().Err(err).Msg("Analysis worker could not be restarted")
			return
		}
	}
}

func (e *Engine) metricsLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.publishMetrics()
		}
	}
}

func (e *Engine) publishMetrics() {
	ctx, cancel := context.WithTimeout(e.ctx, metricsPollInterval/2)
	snap, ok := e.offload.requestMetrics(ctx)
	cancel()
	if !ok {
		return
	}
	e.notifyMetrics(e.buildReport(snap))
}

func (e *Engine) buildReport(snap PerformanceMetrics) MetricsReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := MetricsReport{
		PerformanceMetrics: snap,
		Capabilities:       e.caps,
		CaptureLatencyMs:   float64(e.bufferSize) / float64(e.sampleRate) * 1000,
	}
	if e.battery != nil {
		level := e.battery.Level
		charging := e.battery.Charging
		report.BatteryLevel = &level
		report.Charging = &charging
	}
	return report
}

// Metrics returns a point-in-time report on demand. Counters cover the
// frames handled by the analyzer that serves the request: the worker when
// offload is live, the local core otherwise.
func (e *Engine) Metrics(ctx context.Context) MetricsReport {
	if e.offloadAvailable() {
		if snap, ok := e.offload.requestMetrics(ctx); ok {
			return e.buildReport(snap)
		}
	}
	e.localMu.Lock()
	snap := e.local.snapshot()
	e.localMu.Unlock()
	return e.buildReport(snap)
}

// State returns the most recently published detection snapshot.
func (e *Engine) State() DetectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastState
}

// SampleRate reports the resolved capture rate. Fixed after construction.
func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// BufferSize reports the current frame size. It changes when a low power
// transition triggers a recompute.
func (e *Engine) BufferSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferSize
}

// LowPower reports whether the engine is throttling for battery.
func (e *Engine) LowPower() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lowPower
}

// AddStateListener registers a callback for every detection snapshot.
// Returns an unsubscribe function; calling it more than once is harmless.
func (e *Engine) AddStateListener(fn func(DetectionState)) func() {
	if fn == nil {
		return func() {}
	}
	e.listenerMu.Lock()
	e.nextListenerID++
	id := e.nextListenerID
	e.stateListeners = append(e.stateListeners, stateListener{id: id, fn: fn})
	e.listenerMu.Unlock()

	return func() {
		e.listenerMu.Lock()
		defer e.listenerMu.Unlock()
		for i, l := range e.stateListeners {
			if l.id == id {
				e.stateListeners = append(e.stateListeners[:i], e.stateListeners[i+1:]...)
				return
			}
		}
	}
}

// AddErrorListener registers a callback for analysis and capture errors.
func (e *Engine) AddErrorListener(fn func(error)) func() {
	if fn == nil {
		return func() {}
	}
	e.listenerMu.Lock()
	e.nextListenerID++
	id := e.nextListenerID
	e.errorListeners = append(e.errorListeners, errorListener{id: id, fn: fn})
	e.listenerMu.Unlock()

	return func() {
		e.listenerMu.Lock()
		defer e.listenerMu.Unlock()
		for i, l := range e.errorListeners {
			if l.id == id {
				e.errorListeners = append(e.errorListeners[:i], e.errorListeners[i+1:]...)
				return
			}
		}
	}
}

// AddMetricsListener registers a callback for periodic metrics reports.
// Reports only flow while the offload worker is running.
func (e *Engine) AddMetricsListener(fn func(MetricsReport)) func() {
	if fn == nil {
		return func() {}
	}
	e.listenerMu.Lock()
	e.nextListenerID++
	id := e.nextListenerID
	e.metricsListeners = append(e.metricsListeners, metricsListener{id: id, fn: fn})
	e.listenerMu.Unlock()

	return func() {
		e.listenerMu.Lock()
		defer e.listenerMu.Unlock()
		for i, l := range e.metricsListeners {
			if l.id == id {
				e.metricsListeners = append(e.metricsListeners[:i], e.metricsListeners[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) notifyState(state DetectionState) {
	e.listenerMu.Lock()
	fns := make([]func(DetectionState), len(e.stateListeners))
	for i, l := range e.stateListeners {
		fns[i] = l.fn
	}
	e.listenerMu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (e *Engine) notifyError(err error) {
	e.listenerMu.Lock()
	fns := make([]func(error), len(e.errorListeners))
	for i, l := range e.errorListeners {
		fns[i] = l.fn
	}
	e.listenerMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (e *Engine) notifyMetrics(report MetricsReport) {
	e.listenerMu.Lock()
	fns := make([]func(MetricsReport), len(e.metricsListeners))
	for i, l := range e.metricsListeners {
		fns[i] = l.fn
	}
	e.listenerMu.Unlock()
	for _, fn := range fns {
		fn(report)
	}
}

// OnScroll pauses frame analysis briefly so interactive scrolling stays
// smooth. Calls inside the window extend the pause instead of stacking.
func (e *Engine) OnScroll() {
	now := time.Now()
	e.mu.Lock()
	entering := !now.Before(e.pausedUntil)
	e.pausedUntil = now.Add(scrollPauseDuration)
	e.mu.Unlock()

	if entering {
		observability.RecordProcessingPause("scroll")
		e.logger.Debug().Dur("pause", scrollPauseDuration).Msg("Processing paused for scroll")
	}
}

// OnLowMemory sheds the rolling statistics. Capture, thresholds, and
// detection output are untouched; only history is given back.
func (e *Engine) OnLowMemory() {
	e.mu.Lock()
	e.noiseWindow.Clear()
	e.mu.Unlock()

	e.localMu.Lock()
	e.local.clearHistory()
	e.localMu.Unlock()

	if e.offload != nil {
		e.offload.requestClear()
	}

	observability.RecordLowMemoryEvent()
	e.logger.Info().Msg("Rolling statistics cleared under memory pressure")
}

// OnAudioInterrupted reports a capture interruption to error listeners. The
// session state machine is not consulted; whether to stop recording is the
// caller's decision.
func (e *Engine) OnAudioInterrupted(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	e.logger.Warn().Str("reason", reason).Msg("Audio capture interrupted")
	e.notifyError(fmt.Errorf("%w: %s", ErrInterrupted, reason))
}

// Dispose tears the engine down in order: processing stops, bus
// subscriptions are removed, the worker and capture source shut down, and
// listener sets are cleared. Safe to call repeatedly; only the first call
// does work. Must not be called from inside a listener callback. A disposed
// engine is dead; sessions construct a fresh one.
func (e *Engine) Dispose() {
	e.disposeOnce.Do(e.dispose)
}

func (e *Engine) dispose() {
	e.mu.Lock()
	e.disposed = true
	initialized := e.initialized
	source := e.source
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if initialized {
		e.unsubscribeBus()
	}
	if e.offload != nil {
		e.offload.stop()
	}
	if source != nil {
		if err := source.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("Capture source stop failed")
		}
	}
	e.wg.Wait()

	e.listenerMu.Lock()
	e.stateListeners = nil
	e.errorListeners = nil
	e.metricsListeners = nil
	e.listenerMu.Unlock()

	e.logger.Info().Msg("Detection engine disposed")
}

// Disposed reports whether Dispose has begun.
func (e *Engine) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}
