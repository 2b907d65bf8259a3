package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/events"
)

// BindingSource resolves which chats care about an agent.
type BindingSource interface {
	ListBindingsByAgent(ctx context.Context, agentID string) ([]*cluster.TelegramBinding, error)
}

// Relay subscribes to the event bus and notifies bound chats about agent
// exits and error transitions. Delivery is best-effort: a failed send is
// logged and the relay moves on.
type Relay struct {
	bindings BindingSource
	notifier Notifier
	bus      *events.Bus
	log      *slog.Logger
}

// NewRelay creates a Relay over the shared bus.
func NewRelay(bindings BindingSource, notifier Notifier, bus *events.Bus, log *slog.Logger) *Relay {
	return &Relay{
		bindings: bindings,
		notifier: notifier,
		bus:      bus,
		log:      log.With("component", "notify-relay", "provider", notifier.Name()),
	}
}

// Run consumes bus events until ctx is cancelled or the bus closes.
func (r *Relay) Run(ctx context.Context) {
	sub, cancel := r.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			r.handle(ctx, evt)
		}
	}
}

func (r *Relay) handle(ctx context.Context, evt events.Event) {
	msg, agentID := r.render(evt)
	if msg == "" {
		return
	}

	bindings, err := r.bindings.ListBindingsByAgent(ctx, agentID)
	if err != nil {
		r.log.Warn("binding lookup failed", "agent_id", agentID, "error", err)
		return
	}
	for _, b := range bindings {
		if err := r.notifier.Send(ctx, b.ChatID, msg); err != nil {
			r.log.Warn("notification failed",
				"chat_id", b.ChatID, "agent_id", agentID, "error", err)
		}
	}
}

// render maps an event to a message, or "" for events chats do not care
// about. Only agent exits and error transitions notify.
func (r *Relay) render(evt events.Event) (msg, agentID string) {
	if evt.Agent == nil {
		return "", ""
	}
	a := evt.Agent
	switch {
	case evt.Type == events.AgentStopped:
		exit := ""
		if code, ok := a.Metrics["exit_code"]; ok {
			exit = fmt.Sprintf(" (exit %d)", int(code))
		}
		return fmt.Sprintf("agent %s stopped%s: %s", a.ID, exit, a.Command), a.ID
	case evt.Type == events.AgentUpdated && a.DaemonReportedStatus == cluster.AgentError:
		return fmt.Sprintf("agent %s reported an error: %s", a.ID, a.Command), a.ID
	default:
		return "", ""
	}
}
