package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/zackees/agentfleet/internal/cluster"
	"github.com/zackees/agentfleet/internal/metrics"
	"github.com/zackees/agentfleet/internal/store"
)

// ErrDaemonUnavailable means the intent's target daemon has no live
// control channel. Nothing is enqueued.
var ErrDaemonUnavailable = errors.New("daemon not connected")

// DispatchIntent routes a typed intent to the daemon owning the agent.
// Resolution is agent -> owning daemon (store) -> control channel
// (registry); a failure at any step returns a typed error synchronously
// and nothing is enqueued. Intents on the same control channel are
// serialized in arrival order at the outbound queue.
func (s *Server) DispatchIntent(ctx context.Context, agentID string, it cluster.Intent) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		metrics.IntentsTotal.WithLabelValues(it.Kind, "not_found").Inc()
		return fmt.Errorf("resolve agent %s: %w", agentID, err)
	}

	ch, ok := s.registry.LookupDaemon(agent.DaemonID)
	if !ok {
		metrics.IntentsTotal.WithLabelValues(it.Kind, "daemon_unavailable").Inc()
		return fmt.Errorf("daemon %s: %w", agent.DaemonID, ErrDaemonUnavailable)
	}

	data, err := cluster.MarshalIntent(it)
	if err != nil {
		metrics.IntentsTotal.WithLabelValues(it.Kind, "marshal_error").Inc()
		return err
	}

	if err := ch.Send(data); err != nil {
		metrics.IntentsTotal.WithLabelValues(it.Kind, "backpressure").Inc()
		return fmt.Errorf("dispatch %s to daemon %s: %w", it.Kind, agent.DaemonID, err)
	}
	metrics.IntentsTotal.WithLabelValues(it.Kind, "ok").Inc()
	return nil
}

// IsNotFound reports whether a dispatch failure was an unknown agent.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
