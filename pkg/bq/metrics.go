package bq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "bq_queue_depth",
	Help: "The current depth of the BQ row buffer",
}, []string{"table"})

var rowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bq_rows_processed",
	Help: "The number of classified posts queued for BQ",
}, []string{"table"})

var rowsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bq_rows_dropped",
	Help: "The number of classified posts dropped because the BQ buffer was full",
}, []string{"table"})

var batchSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bq_batch_submission_duration",
	Help:    "The duration of time it takes to submit a batch of rows to BQ",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bq_batch_size",
	Help:    "The size of a batch of rows submitted to BQ",
	Buckets: prometheus.ExponentialBuckets(1, 2, 20),
}, []string{"table"})
