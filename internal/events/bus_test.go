package events

import (
	"testing"
	"time"

	"github.com/zackees/agentfleet/internal/cluster"
)

func agentEvent(id string) Event {
	return Event{Type: AgentUpdated, Agent: &cluster.Agent{ID: id}}
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	bus := New(time.Second)
	// Must not block or panic.
	bus.Publish(agentEvent("a1"))
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	bus := New(time.Second)
	sub, cancel := bus.Subscribe()
	defer cancel()

	for _, id := range []string{"a1", "a2", "a3"} {
		bus.Publish(agentEvent(id))
	}

	for _, want := range []string{"a1", "a2", "a3"} {
		select {
		case evt := <-sub:
			if evt.Agent.ID != want {
				t.Errorf("got %s, want %s", evt.Agent.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	bus := New(time.Second)
	sub1, cancel1 := bus.Subscribe()
	defer cancel1()
	sub2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(agentEvent("a1"))

	for i, sub := range []<-chan Event{sub1, sub2} {
		select {
		case evt := <-sub:
			if evt.Agent.ID != "a1" {
				t.Errorf("subscriber %d got %s", i, evt.Agent.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := New(time.Second)
	sub, cancel := bus.Subscribe()
	cancel()

	// Channel is closed; a second cancel is harmless.
	cancel()

	if _, ok := <-sub; ok {
		t.Error("expected closed channel after cancel")
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := New(10 * time.Millisecond)

	slow, cancelSlow := bus.Subscribe()
	defer cancelSlow()
	healthy, cancelHealthy := bus.Subscribe()
	defer cancelHealthy()

	// Fill the slow subscriber's buffer without draining it.
	for i := 0; i < subscriberBufferSize; i++ {
		bus.Publish(agentEvent("fill"))
	}
	// One more blocks past the send deadline and evicts it.
	bus.Publish(agentEvent("overflow"))

	deadline := time.After(2 * time.Second)
	for bus.SubscriberCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("subscribers = %d, want 1 after eviction", bus.SubscriberCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The slow channel ends up closed once drained.
	drained := 0
	for range slow {
		drained++
	}
	if drained != subscriberBufferSize {
		t.Errorf("drained %d buffered events, want %d", drained, subscriberBufferSize)
	}

	// The healthy subscriber keeps receiving.
	bus.Publish(agentEvent("after"))
	timeout := time.After(time.Second)
	for {
		select {
		case evt := <-healthy:
			if evt.Agent.ID == "after" {
				return
			}
		case <-timeout:
			t.Fatal("healthy subscriber stopped receiving")
		}
	}
}

func TestCloseAll(t *testing.T) {
	bus := New(time.Second)
	sub1, _ := bus.Subscribe()
	sub2, _ := bus.Subscribe()

	bus.CloseAll()

	for i, sub := range []<-chan Event{sub1, sub2} {
		if _, ok := <-sub; ok {
			t.Errorf("subscriber %d channel not closed", i)
		}
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := New(time.Second)
	sub, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: DaemonConnected, Daemon: &cluster.Daemon{ID: "d1"}})

	select {
	case evt := <-sub:
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
