package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var postsUpserted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "store_posts_upserted",
	Help: "The number of posts inserted or overwritten",
})

var postsDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "store_posts_deleted",
	Help: "The number of posts deleted by delete operations",
})

var prunedPosts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "store_posts_pruned",
	Help: "The number of posts removed by the retention job",
}, []string{"reason"})

var pruneDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "store_prune_duration_seconds",
	Help:    "The duration of a retention run",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
})

var queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "store_query_page_duration_seconds",
	Help:    "The duration of a feed page query",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
})
