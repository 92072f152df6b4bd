package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/audio"
	"github.com/stagecue/rehearsal-gateway/internal/device"
	"github.com/stagecue/rehearsal-gateway/internal/observability"
	"github.com/stagecue/rehearsal-gateway/internal/power"
	"github.com/stagecue/rehearsal-gateway/internal/recorder"
	"github.com/stagecue/rehearsal-gateway/internal/session"
	"github.com/stagecue/rehearsal-gateway/internal/vad"
)

// probeTimeout bounds the one-shot device probe at session start.
const probeTimeout = 2 * time.Second

// clientSession holds the state of a single rehearsal connection.
type clientSession struct {
	conn    *websocket.Conn
	gateway *Gateway

	// Session identifiers
	sessionID     string
	correlationID string

	// Per-connection capture core
	sessions *session.Manager
	metrics  *observability.SessionMetrics
	logger   zerolog.Logger

	mu     sync.Mutex
	active bool
	engine *vad.Engine
	source *captureSource
	rec    *recorder.Recorder

	// writeMu serializes pushes; gorilla connections allow one writer
	writeMu sync.Mutex

	unsubs []func()
	wg     sync.WaitGroup
}

func newClientSession(conn *websocket.Conn, g *Gateway) *clientSession {
	correlationID := observability.NewCorrelationID()
	sessionID := generateSessionID()

	logger := g.logger.With().
		Str("correlation_id", correlationID).
		Str("session_id", sessionID).
		Logger()

	metrics := observability.NewSessionMetrics(sessionID)
	metrics.RecordSessionStart()

	s := &clientSession{
		conn:          conn,
		gateway:       g,
		sessionID:     sessionID,
		correlationID: correlationID,
		sessions:      session.NewManager(logger),
		metrics:       metrics,
		logger:        logger,
		active:        true,
	}
	s.unsubs = append(s.unsubs, s.sessions.Subscribe(s.makeStatePusher()))
	return s
}

// makeStatePusher returns a subscriber that forwards applied transitions to
// the client. The detection self loop repeats the recording state once per
// frame, so pushes are collapsed to actual state changes.
func (s *clientSession) makeStatePusher() func(session.StateData) {
	last := session.State("")
	return func(data session.StateData) {
		if data.State == last {
			return
		}
		last = data.State
		s.send(ServerMessage{Type: MessageState, State: &data})
	}
}

// run reads client messages until disconnect or an explicit stop.
func (s *clientSession) run() {
	defer s.teardown()

	for {
		if !s.isActive() {
			return
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			continue
		}

		switch msg.Type {
		case MessageStart:
			s.handleStart(msg.Start)
		case MessageMedia:
			s.handleMedia(msg.Media)
		case MessageEnv:
			s.handleEnv(msg.Env)
		case MessageRecordStart:
			s.handleRecordStart()
		case MessageRecordStop:
			s.handleRecordStop()
		case MessageStop:
			s.logger.Info().Msg("Client requested session stop")
			return
		default:
			s.logger.Warn().Str("type", msg.Type).Msg("Unknown client message type")
		}
	}
}

// handleStart builds the capture graph for this connection: resolve the
// device profile, construct and initialize the engine, connect the optional
// transcription forwarder. Failures land the session in ERROR with an
// initialization code; the client may retry with another start.
func (s *clientSession) handleStart(p *StartPayload) {
	if p == nil {
		s.logger.Warn().Msg("Start message missing payload")
		return
	}

	s.mu.Lock()
	started := s.engine != nil
	s.mu.Unlock()
	if started {
		s.logger.Warn().Msg("Session already started, ignoring start")
		return
	}

	if !s.sessions.Transition(session.EventInitialize, map[string]any{
		"platform": p.Platform,
		"mobile":   p.Mobile,
	}) {
		s.sendError(session.NewError(session.ErrInitializationFailed,
			errors.New("session cannot initialize from its current state")))
		return
	}

	engine, source, err := s.buildEngine(p)
	if err != nil {
		details := session.NewError(session.ErrInitializationFailed, err)
		s.metrics.RecordError(string(details.Code), string(details.Category))
		s.sessions.Fail(details)
		s.sendError(details)
		return
	}

	s.mu.Lock()
	s.engine = engine
	s.source = source
	s.mu.Unlock()

	s.unsubs = append(s.unsubs,
		engine.AddStateListener(s.onDetection),
		engine.AddErrorListener(s.onEngineError),
		engine.AddMetricsListener(s.onMetrics),
	)
	s.startRecorder(engine)

	s.sessions.Transition(session.EventInitialized, nil)
}

// buildEngine resolves the session's detection configuration from server
// defaults and client hints, then brings the engine up on a fresh capture
// source.
func (s *clientSession) buildEngine(p *StartPayload) (*vad.Engine, *captureSource, error) {
	g := s.gateway

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	caps := device.Detect(ctx, p.ClientHints, g.prober, g.cfg.OffloadEnabled)
	cancel()

	cfg := vad.Config{
		SampleRate:       g.cfg.SampleRate,
		BufferSize:       g.cfg.BufferSize,
		NoiseThreshold:   g.cfg.NoiseThreshold,
		SilenceThreshold: g.cfg.SilenceThreshold,
	}
	if p.SampleRate > 0 {
		cfg.SampleRate = p.SampleRate
	}
	if p.BufferSize > 0 {
		cfg.BufferSize = p.BufferSize
	}
	if p.NoiseThreshold != nil {
		cfg.NoiseThreshold = *p.NoiseThreshold
	}
	if p.SilenceThreshold != nil {
		cfg.SilenceThreshold = *p.SilenceThreshold
	}
	switch {
	case p.Optimization != nil:
		cfg.Mobile = *p.Optimization
	case p.Mobile:
		// mobile clients get the full adaptive treatment unless they opt out
		cfg.Mobile = vad.MobileOptimization{
			Enabled:            true,
			BatteryAware:       true,
			AdaptiveBufferSize: true,
			PowerSaveMode:      true,
		}
	}

	engine, err := vad.NewEngine(cfg, caps, g.bus, g.monitor, s.metrics, s.logger)
	if err != nil {
		return nil, nil, err
	}

	source := newCaptureSource()
	if err := engine.Initialize(context.Background(), source); err != nil {
		engine.Dispose()
		return nil, nil, err
	}
	return engine, source, nil
}

// startRecorder connects the transcription forwarder when one is
// configured. A connect failure downgrades the session to detection only
// instead of failing it.
func (s *clientSession) startRecorder(engine *vad.Engine) {
	url := s.gateway.cfg.TranscriberURL
	if url == "" {
		return
	}

	rec := recorder.New(
		recorder.NewWSTranscriber(url, s.logger),
		s.sessions,
		recorder.Config{
			SourceRate:           engine.SampleRate(),
			TargetRate:           s.gateway.cfg.TranscriberRate,
			ReconnectMaxAttempts: s.gateway.cfg.ReconnectMaxAttempts,
			ReconnectBackoff:     time.Duration(s.gateway.cfg.ReconnectBackoff) * time.Millisecond,
			BreakerMaxFailures:   s.gateway.cfg.CircuitBreakerMaxFailures,
			BreakerResetTimeout:  time.Duration(s.gateway.cfg.CircuitBreakerResetTimeout) * time.Second,
		},
		s.logger,
	)
	if err := rec.Start(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Transcription forwarding unavailable")
		if cerr := rec.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("Recorder close after failed start")
		}
		return
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forwardTranscripts(rec)
}

// handleMedia decodes one audio chunk and feeds both consumers: the engine's
// capture source and the recorder. Each applies its own gating.
func (s *clientSession) handleMedia(p *MediaPayload) {
	if p == nil || p.Chunk == "" {
		s.logger.Warn().Msg("Media message missing chunk")
		return
	}

	s.mu.Lock()
	source := s.source
	rec := s.rec
	s.mu.Unlock()
	if source == nil {
		s.logger.Debug().Msg("Media before session start, dropping")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(p.Chunk)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to decode base64 audio")
		return
	}
	samples, err := audio.DecodePCM16(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to decode PCM audio")
		return
	}

	if !source.push(samples) {
		s.metrics.RecordSamplesDropped(uint64(len(samples)))
		s.logger.Warn().Msg("Audio backlog full, dropping media chunk")
	}
	if rec != nil {
		rec.Ingest(samples)
	}
}

// handleEnv republishes a client environment event onto the process bus,
// where the engine's subscriptions pick it up.
func (s *clientSession) handleEnv(p *EnvPayload) {
	if p == nil {
		s.logger.Warn().Msg("Env message missing payload")
		return
	}
	now := time.Now()
	bus := s.gateway.bus

	switch p.Kind {
	case EnvScroll:
		bus.PublishScroll(power.ScrollEvent{At: now})
	case EnvLowMemory:
		bus.PublishLowMemory(power.LowMemoryEvent{UsedPercent: p.UsedPercent, At: now})
	case EnvInterruption:
		bus.PublishInterruption(power.InterruptionEvent{Reason: p.Reason, At: now})
	case EnvBattery:
		bus.PublishBattery(power.BatteryEvent{Level: p.Level, Charging: p.Charging, At: now})
	default:
		s.logger.Warn().Str("kind", p.Kind).Msg("Unknown environment event kind")
	}
}

func (s *clientSession) handleRecordStart() {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		s.sendError(session.NewError(session.ErrRecordingFailed,
			errors.New("session not started")))
		return
	}
	if !s.sessions.StartRecording(engine.SampleRate(), engine.BufferSize()) {
		s.sendError(session.NewError(session.ErrRecordingFailed,
			errors.New("recording not allowed from the current state")))
	}
}

func (s *clientSession) handleRecordStop() {
	if !s.sessions.StopRecording() {
		s.logger.Warn().Msg("Recording stop outside a recording session")
	}
}

// onDetection relays analyzer output. The state table only accepts the
// detection self loop while recording, so an applied transition doubles as
// the gate for the client push.
func (s *clientSession) onDetection(state vad.DetectionState) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		rec.SetSpeaking(state.Speaking)
	}

	applied := s.sessions.Transition(session.EventVADUpdate, map[string]any{
		"speaking":   state.Speaking,
		"confidence": state.Confidence,
	})
	if applied {
		s.send(ServerMessage{Type: MessageDetection, Detection: &state})
	}
}

// onEngineError surfaces analysis failures to the client. Per frame errors
// never fail the session; an interruption additionally stops any active
// recording because capture went away underneath it.
func (s *clientSession) onEngineError(err error) {
	code := session.ErrVADFailed
	if errors.Is(err, vad.ErrInterrupted) {
		code = session.ErrRecordingFailed
		if s.sessions.StopRecording() {
			s.logger.Warn().Msg("Recording stopped by capture interruption")
		}
	}
	details := session.NewError(code, err)
	s.metrics.RecordError(string(details.Code), string(details.Category))
	s.sendError(details)
}

func (s *clientSession) onMetrics(report vad.MetricsReport) {
	s.send(ServerMessage{Type: MessageMetrics, Metrics: &report})
}

// forwardTranscripts relays transcription results until the recorder closes
// its channel.
func (s *clientSession) forwardTranscripts(rec *recorder.Recorder) {
	defer s.wg.Done()
	for result := range rec.Results() {
		res := result
		s.send(ServerMessage{Type: MessageTranscript, Transcript: &res})
	}
}

// send writes one message to the client. Writes racing a disconnect are
// dropped; the read loop notices the dead connection first.
func (s *clientSession) send(msg ServerMessage) {
	if !s.isActive() {
		return
	}
	s.writeMu.Lock()
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Debug().Err(err).Str("type", msg.Type).Msg("Client write failed")
	}
}

func (s *clientSession) sendError(details session.ErrorDetails) {
	s.logger.Warn().
		Str("code", string(details.Code)).
		Str("category", string(details.Category)).
		Err(details.OriginalError).
		Msg("Session error")
	s.send(ServerMessage{Type: MessageError, Error: &details})
}

func (s *clientSession) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// teardown releases everything the session owns, in dependency order: the
// engine first (it stops the pump and the capture source), then the
// recorder, then the state machine. Runs once, on the read loop goroutine.
func (s *clientSession) teardown() {
	s.mu.Lock()
	s.active = false
	engine := s.engine
	rec := s.rec
	s.mu.Unlock()

	for _, unsub := range s.unsubs {
		unsub()
	}

	if engine != nil {
		engine.Dispose()
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Recorder close failed")
		}
	}
	s.wg.Wait()

	s.sessions.Cleanup()
	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Rehearsal client disconnected")
}
