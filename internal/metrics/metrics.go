// Package metrics holds the Prometheus instruments shared by all
// shopflow services. Each service exposes them on its own /metrics
// route; the consumer label tells the scrapes apart.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_events_processed_total",
		Help: "Events handled by consumers, labeled with the processing outcome",
	}, []string{"consumer", "event_type", "outcome"})

	HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shopflow_event_handler_duration_seconds",
		Help:    "Time spent applying one event",
		Buckets: prometheus.DefBuckets,
	}, []string{"consumer", "event_type"})

	PublishRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_publish_retries_total",
		Help: "Publish attempts that failed and were retried",
	}, []string{"topic"})

	DeadLetteredEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_dead_lettered_events_total",
		Help: "Events moved to a dead letter queue after exhausting redelivery",
	}, []string{"topic", "consumer"})

	ParkedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_parked_events_total",
		Help: "Permanently unprocessable events moved to the parking lot",
	}, []string{"topic", "consumer"})

	LostEmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopflow_lost_emissions_total",
		Help: "Events a handler could not publish after its state change was already committed",
	}, []string{"consumer", "event_type"})
)

func init() {
	prometheus.MustRegister(
		EventsProcessed,
		HandlerDuration,
		PublishRetries,
		DeadLetteredEvents,
		ParkedEvents,
		LostEmissions,
	)
}
