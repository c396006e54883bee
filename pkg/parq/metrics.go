package parq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var archivedPosts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "parq_archived_posts_total",
	Help: "The number of evicted posts queued for the parquet archive",
})

var filesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "parq_files_written_total",
	Help: "The number of parquet archive files written",
})
