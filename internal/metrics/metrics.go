// Package metrics defines the automation core's observability surface
// using the Prometheus client library.
//
// Unlike a process-global registry, the Collector registers on an injected
// prometheus.Registerer so a process wires exactly one instance and tests
// construct isolated collectors that cannot collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the counters and gauges the engine components update.
// All fields are safe for concurrent use.
type Collector struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	EventsEmitted       prometheus.Counter
	EvaluationsRun      prometheus.Counter
	EvaluationsSkipped  prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	EvaluationSeconds   prometheus.Counter
	ChangeEvents        prometheus.Counter
	AutomationsFired    prometheus.Counter
	WebhookJobs         *prometheus.CounterVec
}

// New creates a Collector and registers its metrics on reg. Passing a
// fresh prometheus.NewRegistry gives a fully isolated instance.
func New(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		gatherer: reg,
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_mutation_events_total",
			Help: "Total number of graph mutation events emitted on the bus",
		}),
		EvaluationsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_query_evaluations_total",
			Help: "Total number of subscription query evaluations run",
		}),
		EvaluationsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_query_evaluations_skipped_total",
			Help: "Total number of evaluations avoided by smart invalidation",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_active_subscriptions",
			Help: "Number of live query subscriptions",
		}),
		EvaluationSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_query_evaluation_seconds_total",
			Help: "Cumulative wall-clock time spent evaluating queries",
		}),
		ChangeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_query_change_events_total",
			Help: "Total number of non-empty query result diffs delivered",
		}),
		AutomationsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_automations_fired_total",
			Help: "Total number of automation action executions",
		}),
		WebhookJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_webhook_jobs_total",
			Help: "Total number of webhook jobs by terminal status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.EventsEmitted,
		c.EvaluationsRun,
		c.EvaluationsSkipped,
		c.ActiveSubscriptions,
		c.EvaluationSeconds,
		c.ChangeEvents,
		c.AutomationsFired,
		c.WebhookJobs,
	)

	return c
}

// ObserveEvaluation records one evaluation and its duration.
func (c *Collector) ObserveEvaluation(d time.Duration) {
	c.EvaluationsRun.Inc()
	c.EvaluationSeconds.Add(d.Seconds())
}

// Handler returns the HTTP handler exposing the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
