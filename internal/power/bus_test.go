package power

import (
	"testing"
	"time"
)

func TestBus_BatteryRoundTrip(t *testing.T) {
	bus := NewBus()

	var got []BatteryEvent
	handler := func(e BatteryEvent) { got = append(got, e) }
	if err := bus.SubscribeBattery(handler); err != nil {
		t.Fatalf("SubscribeBattery failed: %v", err)
	}

	sent := BatteryEvent{Level: 0.42, Charging: true, At: time.Now()}
	bus.PublishBattery(sent)

	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].Level != 0.42 || !got[0].Charging {
		t.Errorf("Expected delivered payload to match, got %+v", got[0])
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	handler := func(ScrollEvent) { calls++ }
	if err := bus.SubscribeScroll(handler); err != nil {
		t.Fatalf("SubscribeScroll failed: %v", err)
	}

	bus.PublishScroll(ScrollEvent{At: time.Now()})
	if calls != 1 {
		t.Fatalf("Expected 1 call, got %d", calls)
	}

	if err := bus.UnsubscribeScroll(handler); err != nil {
		t.Fatalf("UnsubscribeScroll failed: %v", err)
	}
	bus.PublishScroll(ScrollEvent{At: time.Now()})
	if calls != 1 {
		t.Errorf("Expected no calls after unsubscribe, got %d", calls)
	}
}

func TestBus_TopicsAreIndependent(t *testing.T) {
	bus := NewBus()

	var memory, interruptions int
	if err := bus.SubscribeLowMemory(func(LowMemoryEvent) { memory++ }); err != nil {
		t.Fatalf("SubscribeLowMemory failed: %v", err)
	}
	if err := bus.SubscribeInterruption(func(InterruptionEvent) { interruptions++ }); err != nil {
		t.Fatalf("SubscribeInterruption failed: %v", err)
	}

	bus.PublishLowMemory(LowMemoryEvent{UsedPercent: 93.5, At: time.Now()})
	bus.PublishLowMemory(LowMemoryEvent{UsedPercent: 95.0, At: time.Now()})
	bus.PublishInterruption(InterruptionEvent{Reason: "phone_call", At: time.Now()})

	if memory != 2 {
		t.Errorf("Expected 2 low memory deliveries, got %d", memory)
	}
	if interruptions != 1 {
		t.Errorf("Expected 1 interruption delivery, got %d", interruptions)
	}
}
