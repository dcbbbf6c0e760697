package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PayloadsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_payloads_received_total",
		Help: "Push messages received, by feed source",
	}, []string{"source"})
	PayloadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_payloads_dropped_total",
		Help: "Push messages dropped before reaching device state, by reason",
	}, []string{"reason"})
	FixesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_fixes_applied_total",
		Help: "GPS fixes applied to device state",
	})
	DevicesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_devices_tracked",
		Help: "Devices with at least one applied fix",
	})
	TransitionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_transitions_started_total",
		Help: "Marker transitions started by the animator",
	})
	TransitionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_transitions_superseded_total",
		Help: "In-flight transitions abandoned because a newer fix arrived",
	})
	FeedStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_feed_status_changes_total",
		Help: "Feed connection status transitions, by source and state",
	}, []string{"source", "state"})
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_feed_reconnect_attempts_total",
		Help: "Feed connect attempts after a failure or drop, by source",
	}, []string{"source"})
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_ws_clients",
		Help: "Connected dashboard WebSocket clients",
	})
	GeocodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_geocode_requests_total",
		Help: "Reverse geocode lookups, by result",
	}, []string{"result"})
	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_ingest_latency_seconds",
		Help:    "Time spent applying one push message to device state",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveIngestLatency(start time.Time) {
	IngestLatency.Observe(time.Since(start).Seconds())
}
