package forecast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqnp_batches_total",
		Help: "Total number of observation batches submitted for prediction",
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqnp_cache_hits_total",
		Help: "Total number of prediction cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seqnp_cache_misses_total",
		Help: "Total number of prediction cache misses",
	})

	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seqnp_forward_duration_seconds",
		Help:    "Time spent in a full model forward pass",
		Buckets: prometheus.DefBuckets,
	})

	lossHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seqnp_loss",
		Help:    "Loss of forward passes that were given target values",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
)
