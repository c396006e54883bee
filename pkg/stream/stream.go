package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// PostStore is the part of the store the consumer writes to.
type PostStore interface {
	UpsertPosts(ctx context.Context, posts []*store.Post) error
	DeletePosts(ctx context.Context, uris []string) error
	ExistingURIs(ctx context.Context, uris []string) (map[string]struct{}, error)
	GetCursor(ctx context.Context, service string) (int64, error)
	SetCursor(ctx context.Context, service string, cursor int64) error
}

// Prefetcher warms the record cache for repost and quote targets in bulk.
type Prefetcher interface {
	LoadMany(ctx context.Context, uris []string) (map[string]*media.LoadedRecord, error)
}

// PostSink receives every classified post after it is stored.
type PostSink interface {
	InsertPosts(ctx context.Context, posts []*store.Post) error
}

// Consumer subscribes to a relay firehose, classifies posts and reposts,
// and keeps the store and the resume cursor in step.
type Consumer struct {
	logger    *slog.Logger
	socketURL *url.URL
	service   string

	posts      PostStore
	classifier *media.Classifier
	prefetcher Prefetcher
	errs       media.ErrorLogger
	sink       PostSink

	lastSeq int64
	seqLk   sync.RWMutex
}

var tracer = otel.Tracer("stream")

// NewConsumer builds a consumer. prefetcher and sink may be nil.
func NewConsumer(
	logger *slog.Logger,
	socketURL string,
	service string,
	posts PostStore,
	classifier *media.Classifier,
	prefetcher Prefetcher,
	errs media.ErrorLogger,
	sink PostSink,
) (*Consumer, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket url: %w", err)
	}

	return &Consumer{
		logger:     logger.With("module", "consumer"),
		socketURL:  u,
		service:    service,
		posts:      posts,
		classifier: classifier,
		prefetcher: prefetcher,
		errs:       errs,
		sink:       sink,
	}, nil
}

// Run consumes the firehose until ctx is cancelled, reconnecting after
// reconnectDelay whenever the connection drops or a commit fails to persist.
// Every connection resumes from the persisted cursor.
func (c *Consumer) Run(ctx context.Context, reconnectDelay time.Duration) error {
	for {
		if err := c.runOnce(ctx); err != nil {
			c.logger.Error("repo stream failed", "err", err)
		}

		if ctx.Err() != nil {
			c.logger.Info("repo stream shut down", "seq", c.Seq())
			return ctx.Err()
		}

		reconnects.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context) error {
	cursor, err := c.posts.GetCursor(ctx, c.service)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}

	socketURL := *c.socketURL
	if cursor > 0 {
		q := socketURL.Query()
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		socketURL.RawQuery = q.Encode()
	}

	c.logger.Info("connecting to relay", "url", socketURL.String())

	con, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL.String(), http.Header{
		"User-Agent": []string{"bsky-media-feed/0.0.1"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer con.Close()

	rsc := &events.RepoStreamCallbacks{
		RepoCommit: func(evt *atproto.SyncSubscribeRepos_Commit) error {
			return c.RepoCommit(ctx, evt)
		},
		RepoInfo: func(info *atproto.SyncSubscribeRepos_Info) error {
			c.logger.Info("relay info", "name", info.Name)
			return nil
		},
		Error: func(frame *events.ErrorFrame) error {
			c.logger.Error("relay sent error frame", "error", frame.Error, "message", frame.Message)
			return nil
		},
	}

	// Commits are handled one at a time so the cursor only ever moves past
	// events whose writes are durable.
	scheduler := sequential.NewScheduler(con.RemoteAddr().String(), rsc.EventHandler)

	if err := events.HandleRepoStream(ctx, con, scheduler); err != nil {
		return fmt.Errorf("repo stream ended: %w", err)
	}

	return nil
}

func (c *Consumer) setSeq(seq int64) {
	c.seqLk.Lock()
	defer c.seqLk.Unlock()
	c.lastSeq = seq
}

// Seq returns the sequence number of the last event fully handled.
func (c *Consumer) Seq() int64 {
	c.seqLk.RLock()
	defer c.seqLk.RUnlock()
	return c.lastSeq
}

// RepoCommit handles a raw #commit frame. Frames that cannot be decoded are
// logged and skipped. A non-nil error means the commit was not persisted
// and must be redelivered.
func (c *Consumer) RepoCommit(ctx context.Context, evt *atproto.SyncSubscribeRepos_Commit) error {
	ctx, span := tracer.Start(ctx, "RepoCommit")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", evt.Repo),
		attribute.Int64("seq", evt.Seq),
	)

	commit, err := DecodeCommit(ctx, evt)
	if err != nil {
		eventsProcessed.WithLabelValues("undecodable").Inc()
		c.errs.Append(ctx, "subscription commit decode error", map[string]any{
			"repo": evt.Repo,
			"seq":  evt.Seq,
			"err":  err.Error(),
		})
		return c.advance(ctx, evt.Seq)
	}

	return c.HandleCommit(ctx, commit)
}

// HandleCommit applies a decoded commit and then persists the cursor.
func (c *Consumer) HandleCommit(ctx context.Context, evt *CommitEvent) error {
	ctx, span := tracer.Start(ctx, "HandleCommit")
	defer span.End()

	start := time.Now()

	if err := c.ApplyOps(ctx, evt); err != nil {
		eventsProcessed.WithLabelValues("failed").Inc()
		return err
	}

	if err := c.advance(ctx, evt.Seq); err != nil {
		eventsProcessed.WithLabelValues("failed").Inc()
		return err
	}

	eventsProcessed.WithLabelValues("ok").Inc()
	commitDuration.Observe(time.Since(start).Seconds())

	return nil
}

// ApplyOps classifies the posts and reposts in evt and applies its deletes
// and then its upserts. The cursor is left untouched.
func (c *Consumer) ApplyOps(ctx context.Context, evt *CommitEvent) error {
	logger := c.logger.With("repo", evt.Repo, "seq", evt.Seq)

	ops := ExtractOps(evt)
	for _, skipped := range ops.Skipped {
		c.errs.Append(ctx, "subscription op extract error", map[string]any{
			"uri": skipped.URI,
			"seq": evt.Seq,
			"err": skipped.Err.Error(),
		})
	}

	c.prefetch(ctx, ops)

	var toCreate []*store.Post
	for _, op := range ops.Posts.Creates {
		toCreate = append(toCreate, c.classifyOp(ctx, op, false))
	}
	for _, op := range ops.Reposts.Creates {
		toCreate = append(toCreate, c.classifyOp(ctx, op, true))
	}

	var toDelete []string
	for _, op := range ops.Posts.Deletes {
		toDelete = append(toDelete, op.URI)
	}
	for _, op := range ops.Reposts.Deletes {
		toDelete = append(toDelete, op.URI)
	}

	if err := c.posts.DeletePosts(ctx, toDelete); err != nil {
		return fmt.Errorf("failed to apply deletes: %w", err)
	}

	if err := c.posts.UpsertPosts(ctx, toCreate); err != nil {
		return fmt.Errorf("failed to apply creates: %w", err)
	}

	if len(toCreate) > 0 || len(toDelete) > 0 {
		logger.Debug("commit applied", "created", len(toCreate), "deleted", len(toDelete))
	}

	if c.sink != nil && len(toCreate) > 0 {
		if err := c.sink.InsertPosts(ctx, toCreate); err != nil {
			logger.Warn("failed to forward posts to sink", "err", err)
		}
	}

	return nil
}

func (c *Consumer) advance(ctx context.Context, seq int64) error {
	if err := c.posts.SetCursor(ctx, c.service, seq); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	c.setSeq(seq)
	lastSeq.Set(float64(seq))
	return nil
}

func (c *Consumer) classifyOp(ctx context.Context, op CreateOp, isRepost bool) *store.Post {
	t := c.classifier.Classify(ctx, op.URI, op.Record, isRepost)

	collection := media.CollectionPost
	if isRepost {
		collection = media.CollectionRepost
	}
	postsClassified.WithLabelValues(collection, t.String()).Inc()

	now := time.Now().UTC()
	createdAt := now
	if op.Record.CreatedAt != "" {
		parsed, err := dateparse.ParseAny(op.Record.CreatedAt)
		if err != nil {
			c.errs.Append(ctx, "subscription invalid createdAt", map[string]any{
				"uri":       op.URI,
				"createdAt": op.Record.CreatedAt,
				"err":       err.Error(),
			})
		} else {
			createdAt = parsed.UTC()
		}
	}

	return &store.Post{
		URI:             op.URI,
		CID:             op.CID,
		Author:          op.Author,
		CreatedAt:       createdAt,
		IndexedAt:       now.UnixMicro(),
		MediaSourceType: t,
	}
}

// prefetch loads every repost and quote target that is not already stored
// in as few AppView calls as possible.
func (c *Consumer) prefetch(ctx context.Context, ops *OpsByType) {
	if c.prefetcher == nil {
		return
	}

	var targets []string
	for _, op := range ops.Posts.Creates {
		if target := media.TargetURI(op.Record, false); target != "" {
			targets = append(targets, target)
		}
	}
	for _, op := range ops.Reposts.Creates {
		if target := media.TargetURI(op.Record, true); target != "" {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return
	}

	existing, err := c.posts.ExistingURIs(ctx, targets)
	if err != nil {
		c.logger.Warn("failed to check stored targets", "err", err)
		return
	}

	var missing []string
	for _, target := range targets {
		if _, ok := existing[target]; !ok {
			missing = append(missing, target)
		}
	}
	if len(missing) == 0 {
		return
	}

	if _, err := c.prefetcher.LoadMany(ctx, missing); err != nil {
		c.logger.Warn("failed to prefetch targets", "count", len(missing), "err", err)
	}
}
