package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sprintloop_requests_total",
		Help: "Orchestrations by terminal status",
	}, []string{"status"})

	denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sprintloop_denials_total",
		Help: "Authorization denials by reason",
	}, []string{"reason"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sprintloop_request_duration_seconds",
		Help:    "End-to-end orchestration latency",
		Buckets: prometheus.DefBuckets,
	})

	actionCost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sprintloop_action_cost_dollars_total",
		Help: "Accumulated cost attributed to finalized actions",
	})

	fallbackResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sprintloop_fallback_responses_total",
		Help: "Worker failures masked by the labeled fallback response",
	})
)
