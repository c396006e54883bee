package appview

import (
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/xrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

const DefaultHost = "https://public.api.bsky.app"

var tracer = otel.Tracer("appview")

// NewClient returns an unauthenticated XRPC client for the public AppView.
func NewClient(host string) *xrpc.Client {
	if host == "" {
		host = DefaultHost
	}

	return &xrpc.Client{
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Host: host,
	}
}

// NewLimiter returns a limiter shared by every AppView caller. rps <= 0 disables limiting.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
