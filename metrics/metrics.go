// Package metrics exposes the client's prometheus collectors. Registration
// happens on the default registry; the demo binary serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ShardLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kiera",
		Subsystem: "gateway",
		Name:      "shard_latency_ms",
		Help:      "Heartbeat round-trip per shard in milliseconds.",
	}, []string{"shard"})

	ShardStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kiera",
		Subsystem: "gateway",
		Name:      "shard_status",
		Help:      "Shard connection status (0=disconnected .. 5=ready).",
	}, []string{"shard"})

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiera",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "DISPATCH frames demultiplexed, by event type.",
	}, []string{"type"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiera",
		Subsystem: "gateway",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts per shard.",
	}, []string{"shard"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kiera",
		Subsystem: "gateway",
		Name:      "decode_errors_total",
		Help:      "Frames dropped due to decompression or decode failure.",
	})

	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiera",
		Subsystem: "rest",
		Name:      "requests_total",
		Help:      "REST round-trips by method and status.",
	}, []string{"method", "status"})

	RESTRatelimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kiera",
		Subsystem: "rest",
		Name:      "ratelimit_waits_total",
		Help:      "Requests that hit a 429 and were replayed.",
	})

	VoiceJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiera",
		Subsystem: "voice",
		Name:      "joins_total",
		Help:      "Voice join outcomes.",
	}, []string{"outcome"})
)
