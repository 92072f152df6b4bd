package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	transcriberHandshakeTimeout = 10 * time.Second
	resultChannelDepth          = 100
)

// WSTranscriber streams PCM16 audio to a transcription service over a
// WebSocket and receives JSON transcription messages back.
type WSTranscriber struct {
	url     string
	logger  zerolog.Logger
	results chan Result

	mu     sync.RWMutex
	conn   *websocket.Conn
	active bool

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWSTranscriber creates a transcriber client for the given ws:// or
// wss:// endpoint. Nothing connects until Start.
func NewWSTranscriber(url string, logger zerolog.Logger) *WSTranscriber {
	return &WSTranscriber{
		url:     url,
		logger:  logger.With().Str("component", "transcriber").Logger(),
		results: make(chan Result, resultChannelDepth),
	}
}

// Start dials the service. A live stream is replaced, so callers use Start
// for both the first connection and reconnects.
func (t *WSTranscriber) Start(ctx context.Context) error {
	if t.closed.Load() {
		return errors.New("transcriber is closed")
	}

	dialer := websocket.Dialer{HandshakeTimeout: transcriberHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dialing transcriber: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.active = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(conn)

	t.logger.Info().Str("url", t.url).Msg("Transcriber stream connected")
	return nil
}

func (t *WSTranscriber) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		var res Result
		if err := conn.ReadJSON(&res); err != nil {
			if !t.closed.Load() {
				t.logger.Warn().Err(err).Msg("Transcriber stream read ended")
			}
			t.mu.Lock()
			if t.conn == conn {
				t.active = false
			}
			t.mu.Unlock()
			return
		}

		select {
		case t.results <- res:
		default:
			t.logger.Warn().Msg("Result channel full, dropping transcription")
		}
	}
}

// SendAudio forwards one PCM16 chunk as a binary frame.
func (t *WSTranscriber) SendAudio(pcm []byte) error {
	t.mu.RLock()
	conn, active := t.conn, t.active
	t.mu.RUnlock()

	if !active || conn == nil {
		return errors.New("transcriber is not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("sending audio to transcriber: %w", err)
	}
	return nil
}

// Results returns the transcription channel. It stays open across
// reconnects and closes on Close.
func (t *WSTranscriber) Results() <-chan Result {
	return t.results
}

// Active reports whether a stream is connected.
func (t *WSTranscriber) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Stop sends a graceful close and marks the stream inactive. The peer
// closing its side ends the read loop.
func (t *WSTranscriber) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.active = false
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return nil
}

// Close tears the connection down and closes the results channel.
func (t *WSTranscriber) Close() error {
	t.closed.Store(true)
	_ = t.Stop()

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.closeOnce.Do(func() { close(t.results) })
	return nil
}
