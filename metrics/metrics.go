// Package metrics exposes Prometheus instruments for the folio engine.
// A Recorder is constructed per process with its own registry; a nil
// *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

type Recorder struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	transitionDur *prometheus.HistogramVec
	charges       *prometheus.CounterVec
	payments      *prometheus.CounterVec
	drift         *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// New registers all instruments on a fresh registry together with the Go
// and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Stay transitions by kind and outcome (success, rejected, timeout, error).",
		}, []string{"transition", "outcome"}),
		transitionDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Wall time of stay transitions including lock wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transition"}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_posted_total",
			Help:      "Folio charges posted by charge type.",
		}, []string{"type"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_posted_total",
			Help:      "Folio payments posted by canonical method.",
		}, []string{"method"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_discrepancies_total",
			Help:      "Folio aggregate discrepancies found by the validator.",
		}, []string{"field", "severity"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_deliveries_total",
			Help:      "Offline queue delivery attempts by outcome (synced, failed, permanent).",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_operations",
			Help:      "Offline operations by sync status at the last drain.",
		}, []string{"status"}),
	}
	reg.MustRegister(r.transitions, r.transitionDur, r.charges, r.payments, r.drift, r.deliveries, r.queueDepth)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Transition(kind, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(kind, outcome).Inc()
	r.transitionDur.WithLabelValues(kind).Observe(took.Seconds())
}

func (r *Recorder) ChargePosted(chargeType string) {
	if r == nil {
		return
	}
	r.charges.WithLabelValues(chargeType).Inc()
}

func (r *Recorder) PaymentPosted(method string) {
	if r == nil {
		return
	}
	r.payments.WithLabelValues(method).Inc()
}

func (r *Recorder) Discrepancy(field, severity string) {
	if r == nil {
		return
	}
	r.drift.WithLabelValues(field, severity).Inc()
}

func (r *Recorder) Delivery(outcome string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(outcome).Inc()
}

func (r *Recorder) QueueDepth(status string, n int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(status).Set(float64(n))
}
