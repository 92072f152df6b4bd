package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/audio"
	"github.com/stagecue/rehearsal-gateway/internal/observability"
	"github.com/stagecue/rehearsal-gateway/internal/resilience"
	"github.com/stagecue/rehearsal-gateway/internal/session"
)

const sendQueueDepth = 64

// Config controls the audio path to the transcriber.
type Config struct {
	// SourceRate is the capture sample rate of incoming audio.
	SourceRate int

	// TargetRate is the rate the transcriber expects. Audio is resampled
	// when the two differ.
	TargetRate int

	// ReconnectMaxAttempts and ReconnectBackoff shape the recovery loop
	// after a network failure.
	ReconnectMaxAttempts int
	ReconnectBackoff     time.Duration

	// BreakerMaxFailures and BreakerResetTimeout shape the circuit breaker
	// around transcriber sends.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SourceRate <= 0 {
		c.SourceRate = 48000
	}
	if c.TargetRate <= 0 {
		c.TargetRate = 16000
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 10 * time.Second
	}
	return c
}

// Recorder gates captured audio into the transcriber. Two independent
// signals must both be live for audio to flow: the latest detection
// snapshot says speech is present, and the session state machine is in the
// recording state. Sending happens on a dedicated goroutine behind a
// circuit breaker so a slow or dead transcriber never blocks capture.
type Recorder struct {
	cfg         Config
	logger      zerolog.Logger
	transcriber Transcriber
	sessions    *session.Manager
	breaker     *resilience.CircuitBreaker

	speaking     atomic.Bool
	reconnecting atomic.Bool
	out          chan []byte

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a recorder. Nothing connects until Start.
func New(transcriber Transcriber, sessions *session.Manager, cfg Config, logger zerolog.Logger) *Recorder {
	cfg = cfg.withDefaults()
	return &Recorder{
		cfg:         cfg,
		logger:      logger.With().Str("component", "recorder").Logger(),
		transcriber: transcriber,
		sessions:    sessions,
		breaker:     resilience.NewCircuitBreaker("transcriber", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		out:         make(chan []byte, sendQueueDepth),
	}
}

// Start connects the transcriber and begins the send loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("recorder already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	if err := r.transcriber.Start(r.ctx); err != nil {
		return fmt.Errorf("starting transcriber: %w", err)
	}

	r.wg.Add(1)
	go r.sender()

	r.logger.Info().
		Int("source_rate", r.cfg.SourceRate).
		Int("target_rate", r.cfg.TargetRate).
		Msg("Recorder started")
	return nil
}

// SetSpeaking updates the detection gate. Wired to the engine's state
// listener by the caller.
func (r *Recorder) SetSpeaking(speaking bool) {
	r.speaking.Store(speaking)
}

// Ingest offers captured samples for forwarding. Silent audio, and any
// audio outside a recording session, is discarded here.
func (r *Recorder) Ingest(samples []float32) {
	if len(samples) == 0 {
		return
	}
	if !r.speaking.Load() {
		return
	}
	if r.sessions.State().State != session.StateRecording {
		return
	}

	forward := samples
	if r.cfg.SourceRate != r.cfg.TargetRate {
		forward = audio.Resample(samples, r.cfg.SourceRate, r.cfg.TargetRate)
	}
	data := audio.EncodePCM16(forward)

	select {
	case r.out <- data:
	default:
		r.logger.Warn().Int("bytes", len(data)).Msg("Transcriber send queue full, dropping audio")
	}
}

// Results exposes the transcriber's transcription stream.
func (r *Recorder) Results() <-chan Result {
	return r.transcriber.Results()
}

func (r *Recorder) sender() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case data := <-r.out:
			r.send(data)
		}
	}
}

func (r *Recorder) send(data []byte) {
	err := r.breaker.Call(func() error {
		return r.transcriber.SendAudio(data)
	})
	observability.UpdateCircuitBreakerState(r.breaker.Name(), int(r.breaker.GetState()))
	if err == nil {
		return
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}

	observability.IncrementCircuitBreakerFailures(r.breaker.Name())
	r.logger.Warn().Err(err).Msg("Forwarding audio to transcriber failed")
	if resilience.IsRetryableNetworkError(err) {
		r.triggerReconnect()
	}
}

// triggerReconnect restores the transcriber stream in the background.
// Single flight: failures while a reconnect is running do not stack more.
func (r *Recorder) triggerReconnect() {
	if !r.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.reconnecting.Store(false)

		err := resilience.Reconnect(r.ctx, r.logger, func() error {
			return r.transcriber.Start(r.ctx)
		}, &resilience.ReconnectConfig{
			MaxAttempts: r.cfg.ReconnectMaxAttempts,
			Backoff:     r.cfg.ReconnectBackoff,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("Transcriber reconnection failed")
			return
		}

		r.breaker.Reset()
		observability.UpdateCircuitBreakerState(r.breaker.Name(), int(r.breaker.GetState()))
	}()
}

// Stop ends the transcriber stream gracefully. The recorder can keep
// ingesting afterwards only after a reconnect restores the stream.
func (r *Recorder) Stop() error {
	return r.transcriber.Stop()
}

// Close shuts down the send loop and releases the transcriber.
func (r *Recorder) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return r.transcriber.Close()
}
