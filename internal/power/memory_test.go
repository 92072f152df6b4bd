package power

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memorySequence struct {
	mu     sync.Mutex
	values []float64
	index  int
}

func (s *memorySequence) sample() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[s.index]
	if s.index < len(s.values)-1 {
		s.index++
	}
	return v, nil
}

func TestMemoryWatcher_EdgeTriggered(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var events []LowMemoryEvent
	if err := bus.SubscribeLowMemory(func(e LowMemoryEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeLowMemory failed: %v", err)
	}

	// Below, above, above (still armed off), below (re-arm), above again
	seq := &memorySequence{values: []float64{50, 95, 96, 60, 97, 97}}
	w := NewMemoryWatcherWithSampler(bus, 90, 10*time.Millisecond, seq.sample, zerolog.Nop())
	w.Start()
	defer w.Stop()

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	count := len(events)
	first := LowMemoryEvent{}
	if count > 0 {
		first = events[0]
	}
	mu.Unlock()

	if count != 2 {
		t.Fatalf("Expected 2 crossings to publish 2 events, got %d", count)
	}
	if first.UsedPercent != 95 {
		t.Errorf("Expected first event at 95%%, got %f", first.UsedPercent)
	}
}

func TestMemoryWatcher_StopIsIdempotent(t *testing.T) {
	bus := NewBus()
	seq := &memorySequence{values: []float64{10}}
	w := NewMemoryWatcherWithSampler(bus, 90, 10*time.Millisecond, seq.sample, zerolog.Nop())
	w.Start()

	w.Stop()
	w.Stop()
}
