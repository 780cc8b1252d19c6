// Package metrics exposes relay counters and gauges for Prometheus scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay holds every collector the relay reports. Constructed once at startup
// and passed down; tests create their own instance to avoid registration
// collisions on the default registry.
type Relay struct {
	registry *prometheus.Registry

	TicksDecoded    prometheus.Counter
	TicksDropped    prometheus.Counter
	FramesMalformed prometheus.Counter
	FramesOversized prometheus.Counter
	FramesUnknown   prometheus.Counter
	Reconnects      prometheus.Counter

	SeqRegressions prometheus.Counter
	SeqGaps        prometheus.Counter

	Derives         prometheus.Counter
	DerivesDeadline prometheus.Counter
	DerivesDropped  prometheus.Counter

	Flushes        prometheus.Counter
	WindowRebuilds prometheus.Counter

	ClientFramesSent    prometheus.Counter
	ClientFramesDropped prometheus.Counter
	SlowTransportCloses prometheus.Counter

	SessionsActive   prometheus.Gauge
	TransportsActive prometheus.Gauge
}

// New builds and registers all relay collectors on a fresh registry.
func New() *Relay {
	reg := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &Relay{
		registry: reg,

		TicksDecoded:    counter("relay_broker_ticks_decoded_total", "Ticks decoded from the upstream feed"),
		TicksDropped:    counter("relay_broker_ticks_dropped_total", "Ticks dropped because ingestion lagged (latest kept per instrument)"),
		FramesMalformed: counter("relay_broker_frames_malformed_total", "Upstream frames that failed to parse"),
		FramesOversized: counter("relay_broker_frames_oversized_total", "Upstream frames discarded for exceeding the size cap"),
		FramesUnknown:   counter("relay_broker_frames_unknown_total", "Upstream frames with an unrecognized message type"),
		Reconnects:      counter("relay_broker_reconnects_total", "Upstream reconnect attempts"),

		SeqRegressions: counter("relay_seq_regressions_total", "Ticks discarded for a non-increasing sequence number"),
		SeqGaps:        counter("relay_seq_gaps_total", "Accepted ticks that skipped one or more sequence numbers"),

		Derives:         counter("relay_analytics_derives_total", "Analytics derivations completed"),
		DerivesDeadline: counter("relay_analytics_deadline_total", "Analytics results discarded for exceeding the soft deadline"),
		DerivesDropped:  counter("relay_analytics_dropped_total", "Derivation requests dropped because the queue was full"),

		Flushes:        counter("relay_flushes_total", "Broadcast flushes emitted"),
		WindowRebuilds: counter("relay_window_rebuilds_total", "Live-strike window rebuilds triggered by ATM shifts"),

		ClientFramesSent:    counter("relay_client_frames_sent_total", "Frames written to client transports"),
		ClientFramesDropped: counter("relay_client_frames_dropped_total", "Market updates evicted from full transport queues"),
		SlowTransportCloses: counter("relay_slow_transport_closes_total", "Transports closed with undelivered frames still queued"),

		SessionsActive:   gauge("relay_sessions_active", "Feed sessions currently attached"),
		TransportsActive: gauge("relay_transports_active", "Client transports currently connected"),
	}
}

// Handler returns the scrape endpoint for this collector set.
func (r *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
