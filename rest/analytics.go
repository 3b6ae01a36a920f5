package rest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_rest_requests_total",
			Help: "REST requests sent, split by route and status code",
		},
		[]string{"route", "status"},
	)

	restRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandwich_rest_request_duration_seconds",
			Help:    "Time taken for a REST request to complete, including rate limit waits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	restThrottles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_rest_throttles_total",
			Help: "Number of 429 responses, split by bucket",
		},
		[]string{"bucket"},
	)
)
