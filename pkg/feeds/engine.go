package feeds

import (
	"context"
	"log/slog"

	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// PostQuerier pages through stored posts.
type PostQuerier interface {
	QueryPage(ctx context.Context, filter store.PostFilter, cursor string, limit int) ([]store.Post, string, error)
}

// FollowingsProvider returns the DIDs an actor follows.
type FollowingsProvider interface {
	FollowingsOf(ctx context.Context, actor string) ([]string, error)
}

type Params struct {
	Cursor string
	Limit  int
}

type SkeletonItem struct {
	Post string `json:"post"`
}

type Skeleton struct {
	Feed   []SkeletonItem `json:"feed"`
	Cursor string         `json:"cursor,omitempty"`
}

func emptySkeleton() Skeleton {
	return Skeleton{Feed: []SkeletonItem{}}
}

// Engine answers feed queries from the post store.
type Engine struct {
	logger     *slog.Logger
	posts      PostQuerier
	followings FollowingsProvider
}

var tracer = otel.Tracer("feeds")

func NewEngine(logger *slog.Logger, posts PostQuerier, followings FollowingsProvider) *Engine {
	return &Engine{
		logger:     logger.With("module", "feeds"),
		posts:      posts,
		followings: followings,
	}
}

// MediaOnly returns every post classified as media, newest first.
func (e *Engine) MediaOnly(ctx context.Context, params Params) Skeleton {
	ctx, span := tracer.Start(ctx, "MediaOnly")
	defer span.End()

	return e.query(ctx, "media-only", store.PostFilter{MediaSourceTypes: media.FeedTypes}, params)
}

// FollowingMediaOnly returns media posts authored by accounts the requester
// follows. An anonymous requester gets an empty feed.
func (e *Engine) FollowingMediaOnly(ctx context.Context, requester string, params Params) Skeleton {
	ctx, span := tracer.Start(ctx, "FollowingMediaOnly")
	defer span.End()
	span.SetAttributes(attribute.String("requester", requester))

	if requester == "" {
		return emptySkeleton()
	}

	follows, err := e.followings.FollowingsOf(ctx, requester)
	if err != nil {
		e.logger.Error("failed to load followings", "requester", requester, "err", err)
		feedQueries.WithLabelValues("flw-media-only", "error").Inc()
		return emptySkeleton()
	}
	if follows == nil {
		follows = []string{}
	}

	return e.query(ctx, "flw-media-only", store.PostFilter{Authors: follows, MediaSourceTypes: media.FeedTypes}, params)
}

func (e *Engine) query(ctx context.Context, feed string, filter store.PostFilter, params Params) Skeleton {
	posts, cursor, err := e.posts.QueryPage(ctx, filter, params.Cursor, params.Limit)
	if err != nil {
		e.logger.Error("failed to query feed", "feed", feed, "cursor", params.Cursor, "limit", params.Limit, "err", err)
		feedQueries.WithLabelValues(feed, "error").Inc()
		return emptySkeleton()
	}
	feedQueries.WithLabelValues(feed, "ok").Inc()

	skel := Skeleton{
		Feed:   make([]SkeletonItem, 0, len(posts)),
		Cursor: cursor,
	}
	for _, p := range posts {
		skel.Feed = append(skel.Feed, SkeletonItem{Post: p.URI})
	}
	return skel
}
