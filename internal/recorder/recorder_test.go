package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/session"
)

type fakeTranscriber struct {
	mu         sync.Mutex
	sent       [][]byte
	sendCalls  int
	startCalls int
	failFirst  int
	failAll    bool
	failErr    error
	results    chan Result
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{results: make(chan Result, 8)}
}

func (f *fakeTranscriber) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return nil
}

func (f *fakeTranscriber) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failAll {
		return f.failErr
	}
	if f.failFirst > 0 {
		f.failFirst--
		return f.failErr
	}
	f.sent = append(f.sent, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeTranscriber) Results() <-chan Result { return f.results }

func (f *fakeTranscriber) Active() bool { return true }

func (f *fakeTranscriber) Stop() error { return nil }

func (f *fakeTranscriber) Close() error { return nil }

func (f *fakeTranscriber) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeTranscriber) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func recordingManager(t *testing.T) *session.Manager {
	t.Helper()
	m := session.NewManager(zerolog.Nop())
	if !m.Transition(session.EventInitialize, nil) {
		t.Fatal("initialize transition failed")
	}
	if !m.Transition(session.EventInitialized, nil) {
		t.Fatal("initialized transition failed")
	}
	if !m.StartRecording(48000, 512) {
		t.Fatal("recording start failed")
	}
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func voicedChunk(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5
	}
	return s
}

func startedRecorder(t *testing.T, fake *fakeTranscriber, mgr *session.Manager, cfg Config) *Recorder {
	t.Helper()
	r := New(fake, mgr, cfg, zerolog.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecorder_ForwardsVoicedAudioWhileRecording(t *testing.T) {
	fake := newFakeTranscriber()
	r := startedRecorder(t, fake, recordingManager(t), Config{SourceRate: 48000, TargetRate: 24000})

	r.SetSpeaking(true)
	r.Ingest(voicedChunk(480))

	waitFor(t, time.Second, func() bool { return fake.sentCount() == 1 },
		"Expected one forwarded chunk")

	// 480 samples halved to 240, two bytes each
	if got := len(fake.sent[0]); got != 480 {
		t.Errorf("Expected 480 bytes of resampled PCM, got %d", got)
	}
}

func TestRecorder_SameRatePassesThroughUnresampled(t *testing.T) {
	fake := newFakeTranscriber()
	r := startedRecorder(t, fake, recordingManager(t), Config{SourceRate: 16000, TargetRate: 16000})

	r.SetSpeaking(true)
	r.Ingest(voicedChunk(256))

	waitFor(t, time.Second, func() bool { return fake.sentCount() == 1 },
		"Expected one forwarded chunk")
	if got := len(fake.sent[0]); got != 512 {
		t.Errorf("Expected 512 bytes for 256 samples, got %d", got)
	}
}

func TestRecorder_DropsSilentAudio(t *testing.T) {
	fake := newFakeTranscriber()
	r := startedRecorder(t, fake, recordingManager(t), Config{SourceRate: 16000, TargetRate: 16000})

	r.SetSpeaking(false)
	r.Ingest(voicedChunk(256))

	time.Sleep(100 * time.Millisecond)
	if got := fake.sentCount(); got != 0 {
		t.Errorf("Expected no audio forwarded while silent, got %d chunks", got)
	}
}

func TestRecorder_DropsAudioOutsideRecordingState(t *testing.T) {
	mgr := session.NewManager(zerolog.Nop())
	mgr.Transition(session.EventInitialize, nil)
	mgr.Transition(session.EventInitialized, nil)

	fake := newFakeTranscriber()
	r := startedRecorder(t, fake, mgr, Config{SourceRate: 16000, TargetRate: 16000})

	// detection says speech, but the session is not recording
	r.SetSpeaking(true)
	r.Ingest(voicedChunk(256))

	time.Sleep(100 * time.Millisecond)
	if got := fake.sentCount(); got != 0 {
		t.Errorf("Expected no audio forwarded outside recording state, got %d chunks", got)
	}
}

func TestRecorder_StopRecordingStopsFlow(t *testing.T) {
	mgr := recordingManager(t)
	fake := newFakeTranscriber()
	r := startedRecorder(t, fake, mgr, Config{SourceRate: 16000, TargetRate: 16000})

	r.SetSpeaking(true)
	r.Ingest(voicedChunk(256))
	waitFor(t, time.Second, func() bool { return fake.sentCount() == 1 },
		"Expected one forwarded chunk before stop")

	if !mgr.StopRecording() {
		t.Fatal("StopRecording failed")
	}
	r.Ingest(voicedChunk(256))

	time.Sleep(100 * time.Millisecond)
	if got := fake.sentCount(); got != 1 {
		t.Errorf("Expected no further chunks after recording stopped, got %d", got)
	}
}

func TestRecorder_BreakerStopsCallsAfterPersistentFailure(t *testing.T) {
	fake := newFakeTranscriber()
	fake.failAll = true
	fake.failErr = errors.New("invalid audio payload")
	r := startedRecorder(t, fake, recordingManager(t), Config{SourceRate: 16000, TargetRate: 16000})

	r.SetSpeaking(true)
	for i := 0; i < 10; i++ {
		r.Ingest(voicedChunk(256))
	}

	waitFor(t, time.Second, func() bool { return fake.calls() == 5 },
		"Expected breaker to open after 5 failures")
	time.Sleep(100 * time.Millisecond)
	if got := fake.calls(); got != 5 {
		t.Errorf("Expected no calls once the breaker is open, got %d", got)
	}
}

func TestRecorder_ReconnectsAfterNetworkFailure(t *testing.T) {
	fake := newFakeTranscriber()
	fake.failFirst = 1
	fake.failErr = errors.New("connection refused")
	cfg := Config{
		SourceRate:           16000,
		TargetRate:           16000,
		ReconnectMaxAttempts: 3,
		ReconnectBackoff:     10 * time.Millisecond,
	}
	r := startedRecorder(t, fake, recordingManager(t), cfg)

	r.SetSpeaking(true)
	r.Ingest(voicedChunk(256))

	waitFor(t, time.Second, func() bool { return fake.starts() >= 2 },
		"Expected a reconnect attempt after a network failure")

	r.Ingest(voicedChunk(256))
	waitFor(t, time.Second, func() bool { return fake.sentCount() >= 1 },
		"Expected audio to flow after reconnection")
}

func TestRecorder_StartTwiceFails(t *testing.T) {
	fake := newFakeTranscriber()
	r := New(fake, recordingManager(t), Config{}, zerolog.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	if err := r.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}
}

func TestRecorder_DefaultsApplied(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.SourceRate != 48000 {
		t.Errorf("Expected default source rate 48000, got %d", cfg.SourceRate)
	}
	if cfg.TargetRate != 16000 {
		t.Errorf("Expected default target rate 16000, got %d", cfg.TargetRate)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default reconnect attempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
}
