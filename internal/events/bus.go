// Package events provides the fan-out bus that keeps browser views
// eventually consistent with daemon-reported state.
package events

import (
	"sync"
	"time"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/metrics"
)

// Type identifies the kind of state-change event.
type Type string

const (
	DaemonConnected    Type = "daemon_connected"
	DaemonDisconnected Type = "daemon_disconnected"
	AgentRegister      Type = "agent_register"
	AgentUpdated       Type = "agent_updated"
	AgentStopped       Type = "agent_stopped"
)

// Event is a single state change published through the bus. The payload is
// the entity snapshot relevant to the event kind.
type Event struct {
	Type      Type            `json:"type"`
	Daemon    *cluster.Daemon `json:"daemon,omitempty"`
	Agent     *cluster.Agent  `json:"agent,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber. Bursts up
// to this size are absorbed before the send deadline starts to matter.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. The bus is not a queue of record: a
// subscriber that stays blocked past the send deadline is removed and its
// channel closed, and the browser behind it must reconnect and do a full
// state refresh from the store.
type Bus struct {
	mu           sync.RWMutex
	subs         map[uint64]chan Event
	next         uint64
	sendDeadline time.Duration
}

// New creates a Bus that waits at most sendDeadline per blocked subscriber
// before dropping it.
func New(sendDeadline time.Duration) *Bus {
	if sendDeadline <= 0 {
		sendDeadline = time.Second
	}
	return &Bus{
		subs:         make(map[uint64]chan Event),
		sendDeadline: sendDeadline,
	}
}

// Publish delivers an event to every current subscriber. Delivery is
// best-effort: per-subscriber order is preserved, no order is guaranteed
// across subscribers, and a subscriber whose buffer stays full past the
// send deadline is unsubscribed and closed. With zero subscribers Publish
// is a no-op.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	// Sends happen under the read lock so no channel can be closed out from
	// under a blocked sender (remove takes the write lock). The wait per
	// slow subscriber is bounded by the send deadline.
	b.mu.RLock()
	var dead []uint64
	for id, ch := range b.subs {
		select {
		case ch <- evt:
			metrics.EventsPublished.Inc()
		default:
			if !b.sendSlow(ch, evt) {
				dead = append(dead, id)
			}
		}
	}
	b.mu.RUnlock()

	for _, id := range dead {
		b.remove(id)
		metrics.EventsDropped.Inc()
	}
}

// sendSlow retries a full subscriber buffer for up to the send deadline.
// Reports whether the send landed.
func (b *Bus) sendSlow(ch chan Event, evt Event) bool {
	timer := time.NewTimer(b.sendDeadline)
	defer timer.Stop()

	select {
	case ch <- evt:
		metrics.EventsPublished.Inc()
		return true
	case <-timer.C:
		return false
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() { b.remove(id) }
}

// SubscriberCount reports the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// CloseAll drops every subscriber. Used during graceful shutdown.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// remove unsubscribes and closes exactly once; concurrent removals of the
// same id are safe because the map entry is the single source of truth.
func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}
