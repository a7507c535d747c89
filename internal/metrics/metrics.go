package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"groundlink/pkg/monitoring"
)

// Metrics holds the relay's service-specific Prometheus metrics
type Metrics struct {
	EventsIngested   *prometheus.CounterVec   // events produced by the source adapters
	EventsBroadcast  *prometheus.CounterVec   // messages fanned out to subscribers
	EventsDropped    *prometheus.CounterVec   // messages lost to full subscriber queues
	Subscribers      *prometheus.GaugeVec     // currently registered subscribers
	BrokerReconnects *prometheus.CounterVec   // push adapter reconnection attempts
	PollFetches      *prometheus.CounterVec   // poll adapter fetch outcomes
	FanoutDuration   *prometheus.HistogramVec // time for one publish pass
}

// New registers the relay metrics on the shared collector
func New(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		EventsIngested:   collector.NewCounter("events_ingested_total", "Telemetry events produced by source adapters", []string{"source"}),
		EventsBroadcast:  collector.NewCounter("events_broadcast_total", "Messages fanned out to subscribers", []string{"type"}),
		EventsDropped:    collector.NewCounter("events_dropped_total", "Messages dropped from full subscriber queues", []string{"reason"}),
		Subscribers:      collector.NewGauge("subscribers_active", "Currently registered subscribers", []string{"transport"}),
		BrokerReconnects: collector.NewCounter("broker_reconnect_attempts_total", "Push adapter reconnection attempts", []string{"result"}),
		PollFetches:      collector.NewCounter("poll_fetches_total", "Poll adapter fetch outcomes", []string{"status"}),
		FanoutDuration:   collector.NewHistogram("fanout_duration_seconds", "Duration of one publish pass over all subscribers", []string{"type"}, nil),
	}
}
