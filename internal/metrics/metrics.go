// Package metrics holds the core's prometheus instrumentation. Exposition is
// left to the embedding process; the collector only registers on the
// registry it is given.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "matching"

// Collector bundles the counters the matching core maintains.
type Collector struct {
	OrdersAccepted  *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersFinalized *prometheus.CounterVec
	TradesTotal     prometheus.Counter
	TradeVolume     prometheus.Counter
	BookOrphans     prometheus.Counter
	JobRetries      prometheus.Counter
	MatchLatency    prometheus.Histogram
}

// NewCollector registers the core's metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		OrdersAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "orders_accepted_total",
			Help:      "Orders accepted by intake",
		}, []string{"side", "type"}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "orders_rejected_total",
			Help:      "Submissions rejected by intake",
		}, []string{"reason"}),
		OrdersFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orders_finalized_total",
			Help:      "Orders reaching a terminal status",
		}, []string{"status"}),
		TradesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trades_total",
			Help:      "Trades executed",
		}),
		TradeVolume: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trade_volume_total",
			Help:      "Total traded base quantity",
		}),
		BookOrphans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "orphans_cleaned_total",
			Help:      "Orphaned book entries detected and cleaned",
		}),
		JobRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "job_retries_total",
			Help:      "Jobs nacked for redelivery after a step failure",
		}),
		MatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of a matching step",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}
