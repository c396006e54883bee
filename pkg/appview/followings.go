package appview

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const followsPageSize = 100

// sharedFetchTimeout bounds a coalesced AppView fetch, which runs detached
// from the context of the caller that started it.
const sharedFetchTimeout = 30 * time.Second

// Followings resolves the complete follow list of an actor. Results are cached
// for a bounded time and concurrent lookups of one actor share a single fetch.
type Followings struct {
	logger  *slog.Logger
	client  *xrpc.Client
	limiter *rate.Limiter
	cache   *expirable.LRU[string, []string]
	group   singleflight.Group
}

func NewFollowings(logger *slog.Logger, client *xrpc.Client, limiter *rate.Limiter, cacheSize int, ttl time.Duration) *Followings {
	return &Followings{
		logger:  logger.With("module", "followings"),
		client:  client,
		limiter: limiter,
		cache:   expirable.NewLRU[string, []string](cacheSize, nil, ttl),
	}
}

// FollowingsOf returns the DIDs actor follows.
func (f *Followings) FollowingsOf(ctx context.Context, actor string) ([]string, error) {
	if follows, ok := f.cache.Get(actor); ok {
		cacheLookups.WithLabelValues("followings", "hit").Inc()
		return follows, nil
	}
	cacheLookups.WithLabelValues("followings", "miss").Inc()

	// The shared fetch outlives any single caller. Each caller only stops
	// waiting when its own context ends.
	ch := f.group.DoChan(actor, func() (any, error) {
		if follows, ok := f.cache.Get(actor); ok {
			return follows, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()

		follows, err := f.fetch(fetchCtx, actor)
		if err != nil {
			return nil, err
		}

		f.cache.Add(actor, follows)
		return follows, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	}
}

func (f *Followings) fetch(ctx context.Context, actor string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "FetchFollowings")
	defer span.End()

	start := time.Now()
	follows := []string{}
	cursor := ""
	pages := 0

	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
		}

		out, err := bsky.GraphGetFollows(ctx, f.client, actor, cursor, followsPageSize)
		if err != nil {
			requestsTotal.WithLabelValues("app.bsky.graph.getFollows", "error").Inc()
			return nil, fmt.Errorf("failed to get follows of %s: %w", actor, err)
		}
		requestsTotal.WithLabelValues("app.bsky.graph.getFollows", "ok").Inc()
		pages++

		for _, follow := range out.Follows {
			if follow == nil {
				continue
			}
			follows = append(follows, follow.Did)
		}

		if out.Cursor == nil || *out.Cursor == "" || len(out.Follows) == 0 {
			break
		}
		cursor = *out.Cursor
	}

	span.SetAttributes(
		attribute.String("actor", actor),
		attribute.Int("follows", len(follows)),
		attribute.Int("pages", pages),
	)
	f.logger.Debug("fetched followings", "actor", actor, "follows", len(follows), "pages", pages, "duration", time.Since(start).String())

	return follows, nil
}
