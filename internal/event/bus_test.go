package event

import "testing"

type testEvent string

func (e testEvent) EventType() string { return string(e) }

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe("capture.overrun", func(e Event) { order = append(order, "specific") })

	bus.Publish(testEvent("capture.overrun"))

	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("Expected [specific wildcard], got %v", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	id := bus.Subscribe("capture.error", func(e Event) { calls++ })
	if bus.SubscriptionCount() != 1 {
		t.Fatalf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}

	if !bus.Unsubscribe(id) {
		t.Fatal("Expected Unsubscribe to find the subscription")
	}
	bus.Publish(testEvent("capture.error"))

	if calls != 0 {
		t.Errorf("Expected no calls after unsubscribe, got %d", calls)
	}
	if bus.Unsubscribe(id) {
		t.Error("Expected second Unsubscribe to report false")
	}
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()

	delivered := false
	bus.Subscribe("capture.data_recorded", func(e Event) { panic("boom") })
	bus.Subscribe("capture.data_recorded", func(e Event) { delivered = true })

	bus.Publish(testEvent("capture.data_recorded"))

	if !delivered {
		t.Error("Expected second handler to run after the first panicked")
	}
}
