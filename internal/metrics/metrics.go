package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remindr"

// Delivery outcomes recorded by the scheduler.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetrying  = "retrying"
	OutcomeAbandoned = "abandoned"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Scheduler holds Prometheus metrics for the delivery scheduler.
type Scheduler struct {
	Scheduled        prometheus.Counter
	Deliveries       *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	InFlight         prometheus.Gauge
	DeliveryDuration prometheus.Histogram
	StoreErrors      *prometheus.CounterVec
}

// NewScheduler registers scheduler metrics on reg. A nil registerer keeps the
// metrics unregistered, which is what tests want.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	factory := promauto.With(reg)
	return &Scheduler{
		Scheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "scheduled_total",
			Help:      "Total number of notifications scheduled or restored, retries excluded",
		}),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "deliveries_total",
				Help:      "Delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of notifications waiting for their due time",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "deliveries_in_flight",
			Help:      "Number of notifications currently firing",
		}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a single delivery attempt",
			Buckets:   prometheus.DefBuckets,
		}),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "store_errors_total",
				Help:      "Store bookkeeping failures by operation",
			},
			[]string{"operation"},
		),
	}
}
