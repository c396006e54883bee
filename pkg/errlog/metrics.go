package errlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entriesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "errlog_entries_written",
	Help: "The number of error log entries persisted",
})

var sinkFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "errlog_sink_failures",
	Help: "The number of error log entries that could not be persisted",
})
