// Package metrics registers prometheus instruments for the entitlement
// engine's hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	UsageEventsPublished  *prometheus.CounterVec
	UsageQueueFallbacks   prometheus.Counter
	DeductionsApplied     *prometheus.CounterVec
	DeductionConflicts    prometheus.Counter
	UnbilledLeftover      *prometheus.CounterVec
	ProrationInvoices     *prometheus.CounterVec
	WebhookEvents         *prometheus.CounterVec
	AttachRequests        *prometheus.CounterVec
	DeductionBatchSeconds prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UsageEventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "usage_events_published_total",
			Help:      "Usage events accepted onto the queue, by stream.",
		}, []string{"stream"}),
		UsageQueueFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "usage_queue_fallbacks_total",
			Help:      "Publishes that fell back to the backup stream.",
		}),
		DeductionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "deductions_applied_total",
			Help:      "Ledger deductions applied, by feature type.",
		}, []string{"feature_type"}),
		DeductionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "deduction_conflicts_total",
			Help:      "Optimistic-concurrency conflicts retried on ledger rows.",
		}),
		UnbilledLeftover: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "unbilled_leftover_units_total",
			Help:      "Usage units that no entitlement could absorb.",
		}, []string{"feature"}),
		ProrationInvoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "proration_invoices_total",
			Help:      "One-off proration invoices, by outcome.",
		}, []string{"outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "webhook_events_total",
			Help:      "Processor webhook events, by type and outcome.",
		}, []string{"type", "outcome"}),
		AttachRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "attach_requests_total",
			Help:      "Product attach requests, by decision.",
		}, []string{"decision"}),
		DeductionBatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meterline",
			Name:      "deduction_batch_seconds",
			Help:      "Wall time spent applying a usage-event batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.UsageEventsPublished,
		m.UsageQueueFallbacks,
		m.DeductionsApplied,
		m.DeductionConflicts,
		m.UnbilledLeftover,
		m.ProrationInvoices,
		m.WebhookEvents,
		m.AttachRequests,
		m.DeductionBatchSeconds,
	)
	return m
}

func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

var Module = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		func(reg *prometheus.Registry) prometheus.Registerer { return reg },
		func(reg *prometheus.Registry) prometheus.Gatherer { return reg },
		New,
	),
)
