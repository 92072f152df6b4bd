package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReconnect_SuccessAfterFailures(t *testing.T) {
	config := &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     5 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  50 * time.Millisecond,
	}

	attempts := 0
	err := Reconnect(context.Background(), zerolog.Nop(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("worker not ready")
		}
		return nil
	}, config)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	config := &ReconnectConfig{
		MaxAttempts: 2,
		Backoff:     5 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  50 * time.Millisecond,
	}

	attempts := 0
	err := Reconnect(context.Background(), zerolog.Nop(), func() error {
		attempts++
		return errors.New("still down")
	}, config)

	if err == nil {
		t.Error("Expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Reconnect(ctx, zerolog.Nop(), func() error {
		return errors.New("unreachable")
	}, DefaultReconnectConfig())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
