package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_commits_processed_total",
	Help: "The number of firehose commits handled by outcome",
}, []string{"outcome"})

var postsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_posts_classified_total",
	Help: "The number of posts and reposts classified by collection and media source type",
}, []string{"collection", "media_source_type"})

var commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "stream_commit_duration_seconds",
	Help:    "The time taken to classify and persist a commit",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
})

var reconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stream_reconnects_total",
	Help: "The number of times the firehose connection was re-established",
})

var lastSeq = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stream_last_seq",
	Help: "The sequence number of the last firehose event persisted",
})
