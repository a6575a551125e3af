// Package metrics holds the Prometheus instruments of the payment core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payflow_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"workflow", "outcome"}, // outcome: completed, rolled_back, duplicate, rejected
	)

	InvoicesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payflow_invoices_generated_total",
			Help: "Invoice generation attempts",
		},
		[]string{"type", "outcome"}, // outcome: created, duplicate, failed
	)

	Payments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payflow_payments_total",
			Help: "Payment executions",
		},
		[]string{"outcome"},
	)

	PaymentAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payflow_payment_amount_total",
			Help: "Sum of settled payment amounts",
		},
		[]string{"currency"},
	)

	ReconciledRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payflow_reconciled_records_total",
			Help: "Records repaired or left unmatched by the reconciliation guard",
		},
		[]string{"kind"}, // kind: backfilled, linked, unmatched
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route", "status"},
	)
)

func RecordWorkflow(workflow, outcome string, d time.Duration) {
	WorkflowDuration.WithLabelValues(workflow, outcome).Observe(d.Seconds())
}

func RecordInvoice(invoiceType, outcome string) {
	InvoicesGenerated.WithLabelValues(invoiceType, outcome).Inc()
}

// RecordPayment counts a payment; the amount is added only for settled ones.
func RecordPayment(outcome, currency string, amount decimal.Decimal) {
	Payments.WithLabelValues(outcome).Inc()
	if outcome == "paid" {
		f, _ := amount.Float64()
		PaymentAmount.WithLabelValues(currency).Add(f)
	}
}

func RecordReconciled(kind string, n int) {
	if n > 0 {
		ReconciledRecords.WithLabelValues(kind).Add(float64(n))
	}
}

func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
