package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	actionsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionqueue_enqueued_total",
			Help: "Total number of actions accepted by the producer surface.",
		},
	)
	actionsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionqueue_claimed_total",
			Help: "Total number of actions claimed by dispatcher workers.",
		},
	)
	actionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionqueue_completed_total",
			Help: "Total number of actions that finished successfully.",
		},
	)
	actionsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionqueue_retried_total",
			Help: "Total number of failed attempts rescheduled for retry.",
		},
	)
	actionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionqueue_failed_total",
			Help: "Total number of actions that ended terminally failed.",
		},
		[]string{"reason"},
	)
	actionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionqueue_expired_total",
			Help: "Total number of actions expired by the sweeper.",
		},
	)
	actionsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionqueue_cancelled_total",
			Help: "Total number of actions cancelled by producers.",
		},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actionqueue_execution_duration_seconds",
			Help:    "Executor call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "actionqueue_depth",
			Help: "Number of actions currently queued or scheduled.",
		},
	)
)

var registerOnce sync.Once

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			actionsEnqueued,
			actionsClaimed,
			actionsCompleted,
			actionsRetried,
			actionsFailed,
			actionsExpired,
			actionsCancelled,
			executionDuration,
			queueDepth,
		)
	})
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

func IncEnqueued()  { register(); actionsEnqueued.Inc() }
func IncClaimed()   { register(); actionsClaimed.Inc() }
func IncCompleted() { register(); actionsCompleted.Inc() }
func IncRetried()   { register(); actionsRetried.Inc() }

func IncCancelled() { register(); actionsCancelled.Inc() }

func IncFailed(reason string) { register(); actionsFailed.WithLabelValues(reason).Inc() }

func AddExpired(n float64) { register(); actionsExpired.Add(n) }

func ObserveExecution(actionType string, seconds float64) {
	register()
	executionDuration.WithLabelValues(actionType).Observe(seconds)
}

func SetQueueDepth(n float64) { register(); queueDepth.Set(n) }
