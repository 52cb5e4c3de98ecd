package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var creditsDeducted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_service",
	Name:      "credits_deducted_total",
	Help:      "Credits deducted, split by the balance they were taken from.",
}, []string{"pool"})

var deductionsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "credit_service",
	Name:      "deductions_rejected_total",
	Help:      "Deductions rejected for insufficient credits.",
})

var creditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_service",
	Name:      "bonus_credits_granted_total",
	Help:      "Bonus credits granted, by source.",
}, []string{"source"})

var creditsForfeited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_service",
	Name:      "bonus_credits_forfeited_total",
	Help:      "Bonus credits forfeited when a grant was retired.",
}, []string{"reason"})

var paymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_service",
	Name:      "payment_events_total",
	Help:      "Payment events applied, by event type and outcome.",
}, []string{"event_type", "outcome"})

var expirySweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "credit_service",
	Name:      "expiry_sweep_duration_seconds",
	Help:      "Wall time of one expiry sweep run.",
	Buckets:   prometheus.DefBuckets,
})

var expirySweepGrants = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_service",
	Name:      "expiry_sweep_grants_total",
	Help:      "Grants handled by the expiry sweeper, by result.",
}, []string{"result"})
