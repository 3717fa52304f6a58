// Package metrics exposes gateway activity as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/interop/internal/interop"
)

const namespace = "interop_gateway"

// Collector records transaction lifecycle and dispatch measurements. It
// satisfies the engine's Observer and the dispatcher's Metrics.
type Collector struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	finished         *prometheus.CounterVec
	processing       *prometheus.HistogramVec
	retries          *prometheus.HistogramVec
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	active           prometheus.Gauge
	webhookDelivered *prometheus.CounterVec
}

// NewCollector registers every series on a private registry together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Transaction status transitions.",
		}, []string{"type", "from", "to"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_finished_total",
			Help:      "Transactions that reached a terminal status.",
		}, []string{"type", "status", "partner_id"}),
		processing: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		}, []string{"type", "status"}),
		retries: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_retries",
			Help:      "Retries used by finished transactions.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}, []string{"type"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Adapter attempts by outcome kind.",
		}, []string{"type", "outcome"}),
		attemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of one adapter attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Transactions waiting for a worker.",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_active",
			Help:      "Transactions not yet in a terminal status.",
		}),
		webhookDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by result.",
		}, []string{"result"}),
	}
}

func (c *Collector) Transition(t interop.TransactionType, from, to interop.Status) {
	f := string(from)
	if f == "" {
		f = "none"
		c.active.Inc()
	}
	c.transitions.WithLabelValues(string(t), f, string(to)).Inc()
}

func (c *Collector) Finished(rec *interop.Record) {
	c.active.Dec()
	c.finished.WithLabelValues(string(rec.Type), string(rec.Status), rec.PartnerID).Inc()
	c.processing.WithLabelValues(string(rec.Type), string(rec.Status)).Observe(float64(rec.ProcessingTimeMs) / 1000)
	c.retries.WithLabelValues(string(rec.Type)).Observe(float64(rec.RetryCount))
}

func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

func (c *Collector) AttemptFinished(t interop.TransactionType, kind interop.Kind, elapsed time.Duration) {
	outcome := string(kind)
	if outcome == "" {
		outcome = "success"
	}
	c.attempts.WithLabelValues(string(t), outcome).Inc()
	c.attemptDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

// WebhookDelivered counts one delivery attempt.
func (c *Collector) WebhookDelivered(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.webhookDelivered.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
