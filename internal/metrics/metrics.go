package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DaemonsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_daemons_connected",
		Help: "Number of daemons with a live control channel.",
	})
	AgentsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_agents_live",
		Help: "Number of non-stopped agents known to the store.",
	})
	PoolChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_pty_pool_channels",
		Help: "Number of open PTY pool channels.",
	})
	TerminalChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_terminal_channels",
		Help: "Number of open browser terminal channels.",
	})
	PTYFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_pty_frames_total",
		Help: "PTY pool frames processed by outcome (forwarded, no_terminal, short, write_failed).",
	}, []string{"outcome"})
	PTYBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_pty_bytes_total",
		Help: "PTY payload bytes forwarded to browser terminals.",
	})
	TerminalInputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_terminal_input_bytes_total",
		Help: "Raw keystroke bytes routed from browsers to daemons.",
	})
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_events_published_total",
		Help: "Events delivered to subscribers.",
	})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_events_dropped_subscribers_total",
		Help: "Subscribers dropped for blocking past the send deadline.",
	})
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cluster_intents_total",
		Help: "Outbound intent dispatches by kind and outcome.",
	}, []string{"kind", "outcome"})
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cluster_heartbeats_total",
		Help: "Heartbeat messages processed from daemons.",
	})
)
