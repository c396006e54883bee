package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var feedQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feeds_queries_total",
	Help: "The number of feed skeleton queries by feed and outcome",
}, []string{"feed", "outcome"})

var skeletonRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feeds_skeleton_requests_total",
	Help: "The number of getFeedSkeleton requests by feed and authentication",
}, []string{"feed", "authenticated"})
