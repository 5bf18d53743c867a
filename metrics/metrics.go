package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BudgetReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spendguard_budget_reservations_total",
		Help: "Budget reservation attempts, labelled by result.",
	}, []string{"result"})

	BudgetReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spendguard_budget_releases_total",
		Help: "Compensating budget releases after a failed payment.",
	})

	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spendguard_payments_total",
		Help: "Payments driven to an outcome, labelled by outcome.",
	}, []string{"outcome"})

	PaymentPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spendguard_payment_poll_attempts",
		Help:    "Status polls needed before a payment left the submitted state.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 15, 30},
	})

	PaywallRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spendguard_paywall_requests_total",
		Help: "Paywall fetches, labelled by result.",
	}, []string{"result"})

	StaleRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spendguard_stale_recoveries_total",
		Help: "Stale wallet fragment repairs, labelled by result.",
	}, []string{"result"})

	JournalWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spendguard_journal_write_errors_total",
		Help: "Activity journal appends that failed and were dropped.",
	})
)

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spendguard_http_requests_total",
	Help: "API requests, labelled by route and status code.",
}, []string{"route", "code"})
