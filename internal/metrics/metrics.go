package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicketsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farepass_tickets_issued_total",
		Help: "Tickets issued with an attached credential",
	})

	IssueRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farepass_issue_rollbacks_total",
		Help: "Issuance attempts rolled back after the ledger row was created",
	})

	RedeemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farepass_redeem_outcomes_total",
		Help: "Redemption attempts by outcome",
	}, []string{"outcome"})

	TicketsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farepass_tickets_expired_total",
		Help: "Tickets flagged expired by the sweep",
	})

	PendingReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farepass_pending_reconciled_total",
		Help: "Pending validations applied to the ledger",
	})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farepass_sweep_runs_total",
		Help: "Sweep runs by result",
	}, []string{"result"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "farepass_sweep_duration_seconds",
		Help:    "Wall time of a sweep run that held the lease",
		Buckets: prometheus.DefBuckets,
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farepass_events_published_total",
		Help: "Lifecycle events written to Kafka by kind and result",
	}, []string{"kind", "result"})

	PaymentsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farepass_payments_consumed_total",
		Help: "Payment settlement messages handled by result",
	}, []string{"result"})
)
