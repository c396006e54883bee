package appview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// maxGetPostsBatch is the uris limit of app.bsky.feed.getPosts.
const maxGetPostsBatch = 25

// getPostsOutput keeps each record raw so embed types newer than the
// generated lexicon structs survive decoding.
type getPostsOutput struct {
	Posts []struct {
		URI    string          `json:"uri"`
		CID    string          `json:"cid"`
		Record json.RawMessage `json:"record"`
	} `json:"posts"`
}

// PostLoader fetches post records that are missing from the local store.
// Lookups are cached, including misses, and coalesced per uri.
type PostLoader struct {
	logger  *slog.Logger
	client  *xrpc.Client
	limiter *rate.Limiter
	cache   *expirable.LRU[string, *media.LoadedRecord]
	group   singleflight.Group
}

func NewPostLoader(logger *slog.Logger, client *xrpc.Client, limiter *rate.Limiter, cacheSize int, ttl time.Duration) *PostLoader {
	return &PostLoader{
		logger:  logger.With("module", "post_loader"),
		client:  client,
		limiter: limiter,
		cache:   expirable.NewLRU[string, *media.LoadedRecord](cacheSize, nil, ttl),
	}
}

// Load returns the record at uri, or nil when the AppView does not have it.
func (l *PostLoader) Load(ctx context.Context, uri string) (*media.LoadedRecord, error) {
	if rec, ok := l.cache.Get(uri); ok {
		cacheLookups.WithLabelValues("posts", "hit").Inc()
		return rec, nil
	}
	cacheLookups.WithLabelValues("posts", "miss").Inc()

	ch := l.group.DoChan(uri, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()

		found, err := l.fetch(fetchCtx, []string{uri})
		if err != nil {
			return nil, err
		}
		return found[uri], nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec, _ := res.Val.(*media.LoadedRecord)
		return rec, nil
	}
}

// LoadMany fetches uris in getPosts sized batches and warms the cache.
// Records the AppView does not return are absent from the result.
func (l *PostLoader) LoadMany(ctx context.Context, uris []string) (map[string]*media.LoadedRecord, error) {
	out := make(map[string]*media.LoadedRecord, len(uris))

	seen := make(map[string]struct{}, len(uris))
	var missing []string
	for _, uri := range uris {
		if _, ok := seen[uri]; ok {
			continue
		}
		seen[uri] = struct{}{}

		if rec, ok := l.cache.Get(uri); ok {
			cacheLookups.WithLabelValues("posts", "hit").Inc()
			if rec != nil {
				out[uri] = rec
			}
			continue
		}
		cacheLookups.WithLabelValues("posts", "miss").Inc()
		missing = append(missing, uri)
	}

	for i := 0; i < len(missing); i += maxGetPostsBatch {
		end := i + maxGetPostsBatch
		if end > len(missing) {
			end = len(missing)
		}

		found, err := l.fetch(ctx, missing[i:end])
		if err != nil {
			return out, err
		}
		for uri, rec := range found {
			out[uri] = rec
		}
	}

	return out, nil
}

func (l *PostLoader) fetch(ctx context.Context, uris []string) (map[string]*media.LoadedRecord, error) {
	ctx, span := tracer.Start(ctx, "FetchPosts")
	defer span.End()
	span.SetAttributes(attribute.Int("uris", len(uris)))

	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	var out getPostsOutput
	params := map[string]interface{}{
		"uris": uris,
	}
	if err := l.client.Do(ctx, xrpc.Query, "", "app.bsky.feed.getPosts", params, nil, &out); err != nil {
		requestsTotal.WithLabelValues("app.bsky.feed.getPosts", "error").Inc()
		return nil, fmt.Errorf("failed to get posts: %w", err)
	}
	requestsTotal.WithLabelValues("app.bsky.feed.getPosts", "ok").Inc()

	found := make(map[string]*media.LoadedRecord, len(out.Posts))
	for _, p := range out.Posts {
		aturi, err := syntax.ParseATURI(p.URI)
		if err != nil {
			l.logger.Warn("appview returned invalid post uri", "uri", p.URI, "err", err)
			continue
		}

		rec, err := media.ParseRecord(p.Record)
		if err != nil {
			l.logger.Warn("failed to parse loaded record", "uri", p.URI, "err", err)
			continue
		}

		found[p.URI] = &media.LoadedRecord{
			URI:        p.URI,
			Collection: aturi.Collection().String(),
			Record:     rec,
		}
	}

	for _, uri := range uris {
		l.cache.Add(uri, found[uri])
	}

	return found, nil
}
