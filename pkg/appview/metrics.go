package appview

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "appview_requests_total",
	Help: "The number of AppView XRPC requests by method and outcome",
}, []string{"method", "outcome"})

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "appview_cache_lookups_total",
	Help: "The number of AppView cache lookups by cache and result",
}, []string{"cache", "result"})
