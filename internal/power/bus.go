package power

import (
	evbus "github.com/asaskevich/EventBus"
)

// Bus is a typed facade over the process event bus. Handlers run
// synchronously on the publisher's goroutine, so they must be quick and
// must not publish back onto the same topic.
type Bus struct {
	inner evbus.Bus
}

// NewBus creates an empty bus. One per process, injected where needed.
func NewBus() *Bus {
	return &Bus{inner: evbus.New()}
}

func (b *Bus) PublishBattery(e BatteryEvent) {
	b.inner.Publish(TopicBatteryChange, e)
}

// SubscribeBattery registers a battery handler. Unsubscribe requires the
// identical function value, so callers keep a reference.
func (b *Bus) SubscribeBattery(fn func(BatteryEvent)) error {
	return b.inner.Subscribe(TopicBatteryChange, fn)
}

func (b *Bus) UnsubscribeBattery(fn func(BatteryEvent)) error {
	return b.inner.Unsubscribe(TopicBatteryChange, fn)
}

func (b *Bus) PublishScroll(e ScrollEvent) {
	b.inner.Publish(TopicScroll, e)
}

func (b *Bus) SubscribeScroll(fn func(ScrollEvent)) error {
	return b.inner.Subscribe(TopicScroll, fn)
}

func (b *Bus) UnsubscribeScroll(fn func(ScrollEvent)) error {
	return b.inner.Unsubscribe(TopicScroll, fn)
}

func (b *Bus) PublishLowMemory(e LowMemoryEvent) {
	b.inner.Publish(TopicLowMemory, e)
}

func (b *Bus) SubscribeLowMemory(fn func(LowMemoryEvent)) error {
	return b.inner.Subscribe(TopicLowMemory, fn)
}

func (b *Bus) UnsubscribeLowMemory(fn func(LowMemoryEvent)) error {
	return b.inner.Unsubscribe(TopicLowMemory, fn)
}

func (b *Bus) PublishInterruption(e InterruptionEvent) {
	b.inner.Publish(TopicInterruption, e)
}

func (b *Bus) SubscribeInterruption(fn func(InterruptionEvent)) error {
	return b.inner.Subscribe(TopicInterruption, fn)
}

func (b *Bus) UnsubscribeInterruption(fn func(InterruptionEvent)) error {
	return b.inner.Unsubscribe(TopicInterruption, fn)
}
