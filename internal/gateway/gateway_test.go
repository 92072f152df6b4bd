package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stagecue/rehearsal-gateway/internal/audio"
	"github.com/stagecue/rehearsal-gateway/internal/config"
	"github.com/stagecue/rehearsal-gateway/internal/device"
	"github.com/stagecue/rehearsal-gateway/internal/power"
	"github.com/stagecue/rehearsal-gateway/internal/recorder"
	"github.com/stagecue/rehearsal-gateway/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		SampleRate:           16000,
		BufferSize:           512,
		NoiseThreshold:       0.01,
		SilenceThreshold:     0.2,
		OffloadEnabled:       false,
		TranscriberRate:      16000,
		ReconnectMaxAttempts: 2,
		ReconnectBackoff:     10,
	}
}

func testGateway(cfg *config.Config) *Gateway {
	return New(cfg, power.NewBus(), nil, device.StaticProber{Cores: 4, Battery: false}, zerolog.Nop())
}

func dialGateway(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(g.HandleClientWS())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// collectMessages drains server pushes on a goroutine so tests can write
// and assert on one stream of messages. The channel closes when the
// connection dies.
func collectMessages(conn *websocket.Conn) <-chan ServerMessage {
	out := make(chan ServerMessage, 256)
	go func() {
		defer close(out)
		for {
			var msg ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			out <- msg
		}
	}()
	return out
}

func awaitMessage(t *testing.T, ch <-chan ServerMessage, timeout time.Duration, desc string, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("Connection closed while waiting for %s", desc)
			}
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", desc)
		}
	}
}

func awaitState(t *testing.T, ch <-chan ServerMessage, want session.State) ServerMessage {
	t.Helper()
	return awaitMessage(t, ch, 2*time.Second, fmt.Sprintf("state %s", want), func(m ServerMessage) bool {
		return m.Type == MessageState && m.State != nil && m.State.State == want
	})
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func startMessage(platform string, mobile bool) ClientMessage {
	return ClientMessage{
		Type: MessageStart,
		Start: &StartPayload{
			ClientHints: device.ClientHints{
				Platform:   platform,
				Mobile:     mobile,
				SampleRate: 16000,
				BufferSize: 512,
			},
		},
	}
}

func mediaMessage(n int, amplitude float32) ClientMessage {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amplitude
	}
	return ClientMessage{
		Type:  MessageMedia,
		Media: &MediaPayload{Chunk: base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples))},
	}
}

func TestGateway_StartInitializesSession(t *testing.T) {
	conn := dialGateway(t, testGateway(testConfig()))
	ch := collectMessages(conn)

	sendJSON(t, conn, startMessage("blink", false))
	awaitState(t, ch, session.StateInitializing)
	awaitState(t, ch, session.StateReady)

	// a duplicate start is ignored; the session must stay usable
	sendJSON(t, conn, startMessage("blink", false))
	sendJSON(t, conn, ClientMessage{Type: MessageRecordStart})
	msg := awaitState(t, ch, session.StateRecording)
	if msg.State.Session == nil {
		t.Fatal("Expected recording state to carry a recording span")
	}
	if msg.State.Session.SampleRate != 16000 {
		t.Errorf("Expected recording span at 16000 Hz, got %d", msg.State.Session.SampleRate)
	}
}

func TestGateway_WebKitRatePinFailsInitialization(t *testing.T) {
	conn := dialGateway(t, testGateway(testConfig()))
	ch := collectMessages(conn)

	// webkit engines only capture at 44100; an explicit 16000 must fail
	sendJSON(t, conn, startMessage("webkit", false))
	awaitState(t, ch, session.StateInitializing)
	awaitState(t, ch, session.StateError)
	errMsg := awaitMessage(t, ch, 2*time.Second, "error message", func(m ServerMessage) bool {
		return m.Type == MessageError && m.Error != nil
	})
	if errMsg.Error.Code != session.ErrInitializationFailed {
		t.Errorf("Expected code %s, got %s", session.ErrInitializationFailed, errMsg.Error.Code)
	}
	if errMsg.Error.Retryable {
		t.Error("Expected initialization failure to be non-retryable")
	}

	// ERROR allows another initialize; the pinned rate succeeds
	retry := startMessage("webkit", false)
	retry.Start.SampleRate = 44100
	sendJSON(t, conn, retry)
	awaitState(t, ch, session.StateReady)
}

func TestGateway_DetectionFlowsOnlyWhileRecording(t *testing.T) {
	conn := dialGateway(t, testGateway(testConfig()))
	ch := collectMessages(conn)

	sendJSON(t, conn, startMessage("blink", false))
	awaitState(t, ch, session.StateReady)

	// voiced audio before record-start must not produce detection pushes
	sendJSON(t, conn, mediaMessage(1024, 0.5))
	time.Sleep(150 * time.Millisecond)

	sendJSON(t, conn, ClientMessage{Type: MessageRecordStart})
	sendJSON(t, conn, mediaMessage(1024, 0.5))

	sawRecording := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatal("Connection closed before a detection arrived")
			}
			if msg.Type == MessageState && msg.State != nil && msg.State.State == session.StateRecording {
				sawRecording = true
				continue
			}
			if msg.Type == MessageDetection {
				if !sawRecording {
					t.Fatal("Detection pushed before recording started")
				}
				if !msg.Detection.Speaking {
					t.Error("Expected voiced audio to be detected as speaking")
				}
				if msg.Detection.Confidence != 1.0 {
					t.Errorf("Expected confidence 1.0 above the silence threshold, got %f", msg.Detection.Confidence)
				}
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for a detection")
		}
	}
}

func TestGateway_RecordStopSilencesDetection(t *testing.T) {
	conn := dialGateway(t, testGateway(testConfig()))
	ch := collectMessages(conn)

	sendJSON(t, conn, startMessage("blink", false))
	awaitState(t, ch, session.StateReady)
	sendJSON(t, conn, ClientMessage{Type: MessageRecordStart})
	awaitState(t, ch, session.StateRecording)

	sendJSON(t, conn, mediaMessage(1024, 0.5))
	awaitMessage(t, ch, 2*time.Second, "detection", func(m ServerMessage) bool {
		return m.Type == MessageDetection
	})

	// let in-flight frames drain before stopping so the assertion below
	// only sees post-stop audio
	time.Sleep(150 * time.Millisecond)
	sendJSON(t, conn, ClientMessage{Type: MessageRecordStop})
	awaitState(t, ch, session.StateReady)

	sendJSON(t, conn, mediaMessage(1024, 0.5))
	time.Sleep(200 * time.Millisecond)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Type == MessageDetection {
				t.Error("Detection pushed after recording stopped")
			}
		default:
			return
		}
	}
}

func TestGateway_RecordStartBeforeStartErrors(t *testing.T) {
	conn := dialGateway(t, testGateway(testConfig()))
	ch := collectMessages(conn)

	sendJSON(t, conn, ClientMessage{Type: MessageRecordStart})
	errMsg := awaitMessage(t, ch, 2*time.Second, "error message", func(m ServerMessage) bool {
		return m.Type == MessageError && m.Error != nil
	})
	if errMsg.Error.Code != session.ErrRecordingFailed {
		t.Errorf("Expected code %s, got %s", session.ErrRecordingFailed, errMsg.Error.Code)
	}
}

func TestGateway_IgnoresMalformedAndUnknownMessages(t *testing.T) {
	conn := dialGateway(t, testGateway(testConfig()))
	ch := collectMessages(conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	sendJSON(t, conn, ClientMessage{Type: "telemetry"})
	sendJSON(t, conn, ClientMessage{Type: MessageEnv, Env: &EnvPayload{Kind: "orientation"}})
	sendJSON(t, conn, ClientMessage{Type: MessageEnv, Env: &EnvPayload{Kind: EnvScroll}})
	sendJSON(t, conn, mediaMessage(512, 0.5)) // before start: dropped

	// the read loop must survive all of the above
	sendJSON(t, conn, startMessage("blink", false))
	awaitState(t, ch, session.StateReady)
}

func TestGateway_StopTearsDownSession(t *testing.T) {
	conn := dialGateway(t, testGateway(testConfig()))
	ch := collectMessages(conn)

	sendJSON(t, conn, startMessage("blink", false))
	awaitState(t, ch, session.StateReady)

	sendJSON(t, conn, ClientMessage{Type: MessageStop})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // server closed the connection
			}
		case <-deadline:
			t.Fatal("Connection still open after stop")
		}
	}
}

func TestGateway_MetricsPushedWhenOffloaded(t *testing.T) {
	cfg := testConfig()
	cfg.OffloadEnabled = true
	conn := dialGateway(t, testGateway(cfg))
	ch := collectMessages(conn)

	sendJSON(t, conn, startMessage("blink", false))
	awaitState(t, ch, session.StateReady)

	msg := awaitMessage(t, ch, 3*time.Second, "metrics report", func(m ServerMessage) bool {
		return m.Type == MessageMetrics && m.Metrics != nil
	})
	want := 512.0 / 16000.0 * 1000
	if msg.Metrics.CaptureLatencyMs != want {
		t.Errorf("Expected capture latency %f ms, got %f", want, msg.Metrics.CaptureLatencyMs)
	}
	if !msg.Metrics.Capabilities.WorkerOffload {
		t.Error("Expected capabilities to report worker offload")
	}
}

func echoTranscriber(t *testing.T, text string) string {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if err := conn.WriteJSON(recorder.Result{Text: text, Final: true, Confidence: 0.9}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGateway_ForwardsTranscripts(t *testing.T) {
	cfg := testConfig()
	cfg.TranscriberURL = echoTranscriber(t, "to be or not to be")

	conn := dialGateway(t, testGateway(cfg))
	ch := collectMessages(conn)

	sendJSON(t, conn, startMessage("blink", false))
	awaitState(t, ch, session.StateReady)
	sendJSON(t, conn, ClientMessage{Type: MessageRecordStart})
	awaitState(t, ch, session.StateRecording)

	// keep sending voiced audio: the recorder's speaking gate opens only
	// after the first detection comes back
	done := make(chan ServerMessage, 1)
	go func() {
		for msg := range ch {
			if msg.Type == MessageTranscript {
				done <- msg
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-done:
			if msg.Transcript.Text != "to be or not to be" {
				t.Errorf("Expected echoed transcript, got '%s'", msg.Transcript.Text)
			}
			return
		case <-deadline:
			t.Fatal("Timed out waiting for a transcript")
		default:
		}
		sendJSON(t, conn, mediaMessage(1024, 0.5))
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStartPayload_HintsDecodeFlat(t *testing.T) {
	raw := `{"type":"start","start":{"platform":"webkit","mobile":true,"sampleRate":44100,` +
		`"bufferSize":1024,"lowLatencyAudio":true,"noiseThreshold":0.02,` +
		`"optimization":{"enabled":true,"adaptiveBufferSize":true}}}`

	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != MessageStart {
		t.Errorf("Expected type %s, got %s", MessageStart, msg.Type)
	}
	if msg.Start == nil {
		t.Fatal("Expected a start payload")
	}
	if msg.Start.Platform != "webkit" {
		t.Errorf("Expected platform webkit, got %s", msg.Start.Platform)
	}
	if !msg.Start.Mobile || !msg.Start.LowLatencyAudio {
		t.Error("Expected mobile and lowLatencyAudio hints to decode")
	}
	if msg.Start.SampleRate != 44100 || msg.Start.BufferSize != 1024 {
		t.Errorf("Expected 44100/1024, got %d/%d", msg.Start.SampleRate, msg.Start.BufferSize)
	}
	if msg.Start.NoiseThreshold == nil || *msg.Start.NoiseThreshold != 0.02 {
		t.Error("Expected noise threshold override 0.02")
	}
	if msg.Start.SilenceThreshold != nil {
		t.Error("Expected absent silence threshold to stay nil")
	}
	if msg.Start.Optimization == nil || !msg.Start.Optimization.AdaptiveBufferSize {
		t.Error("Expected optimization block to decode")
	}
	if msg.Start.Optimization.PowerSaveMode {
		t.Error("Expected absent power save flag to stay false")
	}
}
