// Copyright 2024-2026 Aiku AI

package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiku/mautrix-signal/pkg/signal"
)

// Collector gathers engine metrics. All methods are safe on a nil
// receiver so test wiring can skip metrics entirely.
type Collector struct {
	eventsHandled   *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	handlerLatency  prometheus.Histogram
	mappingsCreated prometheus.Counter
	deferredPending prometheus.Gauge
	retriesPending  prometheus.Gauge
	backfilled      prometheus.Counter
	portalsActive   prometheus.Gauge
	connectionState *prometheus.GaugeVec
}

// NewCollector creates a Collector and registers its metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_handled_total",
			Help: "Events processed by portal pipelines, by direction and kind",
		}, []string{"direction", "kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_dropped_total",
			Help: "Events dropped without side effects, by reason",
		}, []string{"reason"}),
		handlerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_handler_latency_seconds",
			Help:    "Latency of one portal event handler run",
			Buckets: prometheus.DefBuckets,
		}),
		mappingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_mappings_created_total",
			Help: "Message mappings durably recorded",
		}),
		deferredPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_deferred_actions_pending",
			Help: "Edits, reactions and deletions waiting for their target mapping",
		}),
		retriesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_retries_pending",
			Help: "Outbound actions awaiting a backoff retry",
		}),
		backfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_backfilled_messages_total",
			Help: "Historical messages imported by the backfill engine",
		}),
		portalsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_portals_active",
			Help: "Portals with a running pipeline",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_signal_connection_state",
			Help: "Signal session state, 1 for the current state",
		}, []string{"state"}),
	}
	reg.MustRegister(
		c.eventsHandled,
		c.eventsDropped,
		c.handlerLatency,
		c.mappingsCreated,
		c.deferredPending,
		c.retriesPending,
		c.backfilled,
		c.portalsActive,
		c.connectionState,
	)
	return c
}

func (c *Collector) RecordEventHandled(direction, kind string, latency time.Duration) {
	if c == nil {
		return
	}
	c.eventsHandled.WithLabelValues(direction, kind).Inc()
	c.handlerLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordEventDropped(reason string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordMappingCreated() {
	if c == nil {
		return
	}
	c.mappingsCreated.Inc()
}

func (c *Collector) AddDeferredPending(delta int) {
	if c == nil {
		return
	}
	c.deferredPending.Add(float64(delta))
}

func (c *Collector) AddRetriesPending(delta int) {
	if c == nil {
		return
	}
	c.retriesPending.Add(float64(delta))
}

func (c *Collector) RecordBackfilledMessage() {
	if c == nil {
		return
	}
	c.backfilled.Inc()
}

func (c *Collector) PortalStarted() {
	if c == nil {
		return
	}
	c.portalsActive.Inc()
}

func (c *Collector) PortalStopped() {
	if c == nil {
		return
	}
	c.portalsActive.Dec()
}

func (c *Collector) RecordConnectionState(state signal.ConnectionState) {
	if c == nil {
		return
	}
	for _, s := range []signal.ConnectionState{
		signal.ConnectionConnected,
		signal.ConnectionDisconnected,
		signal.ConnectionUnlinked,
	} {
		val := 0.0
		if s == state {
			val = 1.0
		}
		c.connectionState.WithLabelValues(string(s)).Set(val)
	}
}
