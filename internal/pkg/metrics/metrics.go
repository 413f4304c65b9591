package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FactsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "machpay_facts_recorded_total",
		Help: "Settlement facts received, by record outcome",
	}, []string{"outcome"})

	BatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "machpay_batch_outcomes_total",
		Help: "Settlement batch submission outcomes",
	}, []string{"outcome"})

	BatchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "machpay_batches_in_flight",
		Help: "Vendor batches currently awaiting a ledger outcome",
	})

	EquivocationsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "machpay_equivocations_detected_total",
		Help: "Equivocation proofs constructed",
	})

	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "machpay_heartbeats_total",
		Help: "Gateway heartbeats received",
	}, []string{"gateway_id"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "machpay_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
