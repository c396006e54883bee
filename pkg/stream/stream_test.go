package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/ericvolp12/bsky-media-feed/pkg/errlog"
	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const service = "bsky.network"

type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingSink) Append(_ context.Context, msg string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, msg)
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entries...)
}

type noLoader struct{}

func (noLoader) Load(context.Context, string) (*media.LoadedRecord, error) { return nil, nil }

type countingPrefetcher struct {
	requested [][]string
}

func (p *countingPrefetcher) LoadMany(_ context.Context, uris []string) (map[string]*media.LoadedRecord, error) {
	p.requested = append(p.requested, uris)
	return nil, nil
}

type capturingPostSink struct {
	posts []*store.Post
}

func (s *capturingPostSink) InsertPosts(_ context.Context, posts []*store.Post) error {
	s.posts = append(s.posts, posts...)
	return nil
}

// failingStore fails writes on demand.
type failingStore struct {
	*store.Store
	failUpserts bool
}

func (f *failingStore) UpsertPosts(ctx context.Context, posts []*store.Post) error {
	if f.failUpserts {
		return errors.New("disk full")
	}
	return f.Store.UpsertPosts(ctx, posts)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(testLogger(), filepath.Join(t.TempDir(), "feed.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConsumer(t *testing.T, posts PostStore, lookup media.PostLookup, prefetcher Prefetcher, sink PostSink) (*Consumer, *recordingSink) {
	t.Helper()
	errs := &recordingSink{}
	classifier := media.NewClassifier(testLogger(), media.NewSiteList([]string{"example-media.com"}), lookup, noLoader{}, errs)
	c, err := NewConsumer(testLogger(), "wss://relay.test/xrpc/com.atproto.sync.subscribeRepos", service, posts, classifier, prefetcher, errs, sink)
	require.NoError(t, err)
	return c, errs
}

func create(repo, collection, rkey, record string) RecordOp {
	return RecordOp{
		Action:     "create",
		Collection: collection,
		RKey:       rkey,
		URI:        "at://" + repo + "/" + collection + "/" + rkey,
		CID:        "bafy" + rkey,
		Record:     []byte(record),
	}
}

func del(repo, collection, rkey string) RecordOp {
	return RecordOp{
		Action:     "delete",
		Collection: collection,
		RKey:       rkey,
		URI:        "at://" + repo + "/" + collection + "/" + rkey,
	}
}

const (
	uriA = "at://did:plc:x/app.bsky.feed.post/a"
	uriB = "at://did:plc:y/app.bsky.feed.repost/b"
	uriC = "at://did:plc:z/app.bsky.feed.post/c"
)

func TestExtractOps(t *testing.T) {
	evt := &CommitEvent{
		Seq:  1,
		Repo: "did:plc:x",
		Ops: []RecordOp{
			create("did:plc:x", media.CollectionPost, "a", `{"$type":"app.bsky.feed.post","text":"hi"}`),
			create("did:plc:x", media.CollectionRepost, "b", `{"$type":"app.bsky.feed.repost","subject":{"uri":"at://did:plc:y/app.bsky.feed.post/q","cid":"bafyq"}}`),
			create("did:plc:x", "app.bsky.feed.like", "l", `{}`),
			del("did:plc:x", media.CollectionPost, "old"),
			{Action: "update", Collection: media.CollectionPost, RKey: "u", URI: "at://did:plc:x/app.bsky.feed.post/u", Record: []byte(`{}`)},
			{Action: "create", Collection: media.CollectionPost, RKey: "bad", URI: "at://did:plc:x/app.bsky.feed.post/bad", Err: errors.New("cid mismatch")},
			create("did:plc:x", media.CollectionPost, "garbled", `{"embed":`),
			create("did:plc:x", media.CollectionPost, "list", `[{"embed":{}}]`),
			create("did:plc:x", media.CollectionPost, "gallery", `{"embed":{"$type":"app.bsky.embed.gallery","media":[{"x":1}]}}`),
		},
	}

	ops := ExtractOps(evt)

	// Only records that are not JSON objects are dropped. An odd embed shape
	// is left for the classifier.
	require.Len(t, ops.Posts.Creates, 2)
	assert.Equal(t, "at://did:plc:x/app.bsky.feed.post/gallery", ops.Posts.Creates[1].URI)
	assert.Equal(t, uriA, ops.Posts.Creates[0].URI)
	assert.Equal(t, "did:plc:x", ops.Posts.Creates[0].Author)
	assert.Equal(t, "bafya", ops.Posts.Creates[0].CID)

	require.Len(t, ops.Reposts.Creates, 1)
	subject, err := ops.Reposts.Creates[0].Record.SubjectURI()
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:y/app.bsky.feed.post/q", subject)

	assert.Equal(t, []DeleteOp{{URI: "at://did:plc:x/app.bsky.feed.post/old"}}, ops.Posts.Deletes)
	assert.Empty(t, ops.Reposts.Deletes)

	require.Len(t, ops.Skipped, 3)
	assert.Equal(t, "at://did:plc:x/app.bsky.feed.post/bad", ops.Skipped[0].URI)
	assert.Equal(t, "at://did:plc:x/app.bsky.feed.post/garbled", ops.Skipped[1].URI)
	assert.Equal(t, "at://did:plc:x/app.bsky.feed.post/list", ops.Skipped[2].URI)
}

func TestHandleCommitClassifiesChain(t *testing.T) {
	st := testStore(t)
	c, errs := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	// A post with an image, a repost of it, and a quote of the repost.
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 10, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"$type":"app.bsky.feed.post","createdAt":"2024-03-01T12:00:00.000Z","embed":{"$type":"app.bsky.embed.images","images":[]}}`),
	}}))
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 11, Repo: "did:plc:y", Ops: []RecordOp{
		create("did:plc:y", media.CollectionRepost, "b", `{"$type":"app.bsky.feed.repost","createdAt":"2024-03-01T12:01:00Z","subject":{"uri":"`+uriA+`","cid":"bafya"}}`),
	}}))
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 12, Repo: "did:plc:z", Ops: []RecordOp{
		create("did:plc:z", media.CollectionPost, "c", `{"$type":"app.bsky.feed.post","createdAt":"2024-03-01T12:02:00Z","embed":{"$type":"app.bsky.embed.record","record":{"uri":"`+uriB+`","cid":"bafyb"}}}`),
	}}))

	a, err := st.GetPost(ctx, uriA)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, media.Media, a.MediaSourceType)
	assert.Equal(t, "did:plc:x", a.Author)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), a.CreatedAt.UTC())
	assert.NotZero(t, a.IndexedAt)

	b, err := st.GetPost(ctx, uriB)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, media.MediaRepost, b.MediaSourceType)
	assert.Equal(t, "did:plc:y", b.Author)

	cp, err := st.GetPost(ctx, uriC)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, media.NotMedia, cp.MediaSourceType)

	cursor, err := st.GetCursor(ctx, service)
	require.NoError(t, err)
	assert.EqualValues(t, 12, cursor)
	assert.EqualValues(t, 12, c.Seq())
	assert.Empty(t, errs.messages())
}

func TestHandleCommitDeleteRemovesPost(t *testing.T) {
	st := testStore(t)
	c, _ := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 1, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"embed":{"$type":"app.bsky.embed.video"}}`),
	}}))

	page, _, err := st.QueryPage(ctx, store.PostFilter{MediaSourceTypes: media.FeedTypes}, "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 2, Repo: "did:plc:x", Ops: []RecordOp{
		del("did:plc:x", media.CollectionPost, "a"),
	}}))

	page, _, err = st.QueryPage(ctx, store.PostFilter{MediaSourceTypes: media.FeedTypes}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestHandleCommitReplayIsIdempotent(t *testing.T) {
	st := testStore(t)
	c, _ := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	evt := &CommitEvent{Seq: 5, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"embed":{"$type":"app.bsky.embed.external","external":{"uri":"https://cdn.example-media.com/v/1"}}}`),
		create("did:plc:x", media.CollectionPost, "b", `{"embed":{"$type":"app.bsky.embed.external","external":{"uri":"https://other-site.com/v/1"}}}`),
		del("did:plc:x", media.CollectionPost, "gone"),
	}}

	require.NoError(t, c.HandleCommit(ctx, evt))
	require.NoError(t, c.HandleCommit(ctx, evt))

	var count int64
	require.NoError(t, st.DB().Model(&store.Post{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	a, found, err := st.GetMediaSourceType(ctx, uriA)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, media.LinkToMediaSite, a)

	b, found, err := st.GetMediaSourceType(ctx, "at://did:plc:x/app.bsky.feed.post/b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, media.NotMedia, b)
}

func TestHandleCommitIgnoresUnrelatedCollections(t *testing.T) {
	st := testStore(t)
	c, _ := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 3, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", "app.bsky.feed.like", "l", `{"subject":{"uri":"`+uriA+`"}}`),
		create("did:plc:x", "app.bsky.graph.follow", "f", `{"subject":"did:plc:y"}`),
	}}))

	var count int64
	require.NoError(t, st.DB().Model(&store.Post{}).Count(&count).Error)
	assert.Zero(t, count)

	cursor, err := st.GetCursor(ctx, service)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cursor)
}

func TestHandleCommitStorageFailureKeepsCursor(t *testing.T) {
	st := testStore(t)
	fs := &failingStore{Store: st, failUpserts: true}
	c, _ := newTestConsumer(t, fs, st, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.SetCursor(ctx, service, 7))

	evt := &CommitEvent{Seq: 8, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"embed":{"$type":"app.bsky.embed.images"}}`),
	}}
	assert.Error(t, c.HandleCommit(ctx, evt))

	cursor, err := st.GetCursor(ctx, service)
	require.NoError(t, err)
	assert.EqualValues(t, 7, cursor)

	// Redelivery after the store recovers applies the event.
	fs.failUpserts = false
	require.NoError(t, c.HandleCommit(ctx, evt))

	cursor, err = st.GetCursor(ctx, service)
	require.NoError(t, err)
	assert.EqualValues(t, 8, cursor)

	p, err := st.GetPost(ctx, uriA)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestHandleCommitLogsBadRecords(t *testing.T) {
	st := testStore(t)
	c, errs := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 1, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"createdAt":"not a date","embed":{"$type":"app.bsky.embed.images"}}`),
		{Action: "create", Collection: media.CollectionPost, RKey: "bad", URI: "at://did:plc:x/app.bsky.feed.post/bad", Err: errors.New("cid mismatch")},
	}}))

	assert.ElementsMatch(t, []string{"subscription op extract error", "subscription invalid createdAt"}, errs.messages())

	// The post is still stored, indexed at ingest time.
	p, err := st.GetPost(ctx, uriA)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, media.Media, p.MediaSourceType)
	assert.WithinDuration(t, time.Now(), p.CreatedAt, time.Minute)
}

func TestHandleCommitPrefetchesMissingTargets(t *testing.T) {
	st := testStore(t)
	prefetcher := &countingPrefetcher{}
	sink := &capturingPostSink{}
	c, _ := newTestConsumer(t, st, st, prefetcher, sink)
	ctx := context.Background()

	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 1, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"embed":{"$type":"app.bsky.embed.images"}}`),
	}}))
	assert.Empty(t, prefetcher.requested)

	remote := "at://did:plc:r/app.bsky.feed.post/r"
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 2, Repo: "did:plc:y", Ops: []RecordOp{
		create("did:plc:y", media.CollectionRepost, "b", `{"subject":{"uri":"`+uriA+`","cid":"bafya"}}`),
		create("did:plc:y", media.CollectionRepost, "d", `{"subject":{"uri":"`+remote+`","cid":"bafyr"}}`),
	}}))

	require.Len(t, prefetcher.requested, 1)
	assert.Equal(t, []string{remote}, prefetcher.requested[0])
	assert.Len(t, sink.posts, 3)
}

func TestRepoCommitSkipsUndecodableFrames(t *testing.T) {
	st := testStore(t)
	c, errs := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.RepoCommit(ctx, &atproto.SyncSubscribeRepos_Commit{Seq: 20, Repo: "did:plc:x", TooBig: true}))
	require.NoError(t, c.RepoCommit(ctx, &atproto.SyncSubscribeRepos_Commit{Seq: 21, Repo: "did:plc:x", Blocks: []byte("not a car file")}))

	assert.Equal(t, []string{"subscription commit decode error", "subscription commit decode error"}, errs.messages())

	cursor, err := st.GetCursor(ctx, service)
	require.NoError(t, err)
	assert.EqualValues(t, 21, cursor)
}

func TestDecodeCommitTooBig(t *testing.T) {
	_, err := DecodeCommit(context.Background(), &atproto.SyncSubscribeRepos_Commit{TooBig: true})
	assert.ErrorIs(t, err, ErrTooBig)
}

func TestRunReconnectsFromPersistedCursor(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	var cursors sync.Map

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		cursors.Store(n, r.URL.Query().Get("cursor"))
		con, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection straight away to force a reconnect.
		con.Close()
	}))
	defer srv.Close()

	st := testStore(t)
	require.NoError(t, st.SetCursor(context.Background(), service, 42))

	errs := &recordingSink{}
	classifier := media.NewClassifier(testLogger(), media.NewSiteList(nil), st, noLoader{}, errs)
	c, err := NewConsumer(testLogger(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/xrpc/com.atproto.sync.subscribeRepos", service, st, classifier, nil, errs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err = c.Run(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	cursors.Range(func(_, v any) bool {
		assert.Equal(t, "42", v)
		return true
	})
}

func TestApplyOpsLeavesCursor(t *testing.T) {
	st := testStore(t)
	c, _ := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.ApplyOps(ctx, &CommitEvent{Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"embed":{"$type":"app.bsky.embed.images"}}`),
	}}))

	p, err := st.GetPost(ctx, uriA)
	require.NoError(t, err)
	require.NotNil(t, p)

	cursor, err := st.GetCursor(ctx, service)
	require.NoError(t, err)
	assert.Zero(t, cursor)
	assert.Zero(t, c.Seq())
}

func TestHandleCommitStoresMalformedEmbedsAsNotMedia(t *testing.T) {
	st := testStore(t)
	errs, err := errlog.NewSink(testLogger(), st.DB(), true)
	require.NoError(t, err)
	classifier := media.NewClassifier(testLogger(), media.NewSiteList([]string{"example-media.com"}), st, noLoader{}, errs)
	c, err := NewConsumer(testLogger(), "wss://relay.test/xrpc/com.atproto.sync.subscribeRepos", service, st, classifier, nil, errs, nil)
	require.NoError(t, err)
	ctx := context.Background()

	gallery := "at://did:plc:x/app.bsky.feed.post/gallery"
	badLink := "at://did:plc:x/app.bsky.feed.post/badlink"
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 4, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "gallery", `{"embed":{"$type":"app.bsky.embed.gallery","media":[{"x":1}]}}`),
		create("did:plc:x", media.CollectionPost, "badlink", `{"embed":{"$type":"app.bsky.embed.external","external":"https://cdn.example-media.com/v/1"}}`),
	}}))

	for _, uri := range []string{gallery, badLink} {
		p, err := st.GetPost(ctx, uri)
		require.NoError(t, err)
		require.NotNil(t, p, uri)
		assert.Equal(t, media.NotMedia, p.MediaSourceType, uri)
		assert.Equal(t, "did:plc:x", p.Author)
	}

	var rows []errlog.ErrorLog
	require.NoError(t, st.DB().Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)

	logged := map[string]string{}
	for _, row := range rows {
		var payload map[string]any
		require.NoError(t, json.Unmarshal(row.Msg, &payload))
		logged[payload["uri"].(string)] = payload["msg"].(string)
	}
	assert.Equal(t, map[string]string{
		gallery: "classifier post extract error",
		badLink: "classifier post extract error",
	}, logged)

	cursor, err := st.GetCursor(ctx, service)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cursor)
}

func TestHandleCommitQuoteOfMediaRepostIsNotMedia(t *testing.T) {
	st := testStore(t)
	c, _ := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	quoteOfPost := "at://did:plc:z/app.bsky.feed.post/d"

	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 1, Repo: "did:plc:x", Ops: []RecordOp{
		create("did:plc:x", media.CollectionPost, "a", `{"embed":{"$type":"app.bsky.embed.images"}}`),
	}}))
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 2, Repo: "did:plc:y", Ops: []RecordOp{
		create("did:plc:y", media.CollectionRepost, "b", `{"subject":{"uri":"`+uriA+`","cid":"bafya"}}`),
	}}))
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 3, Repo: "did:plc:z", Ops: []RecordOp{
		create("did:plc:z", media.CollectionPost, "c", `{"embed":{"$type":"app.bsky.embed.record","record":{"uri":"`+uriB+`","cid":"bafyb"}}}`),
		create("did:plc:z", media.CollectionPost, "d", `{"embed":{"$type":"app.bsky.embed.record","record":{"uri":"`+uriA+`","cid":"bafya"}}}`),
	}}))

	b, found, err := st.GetMediaSourceType(ctx, uriB)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, media.MediaRepost, b)

	// The repost is not direct media, so quoting it earns nothing.
	cq, found, err := st.GetMediaSourceType(ctx, uriC)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, media.NotMedia, cq)

	dq, found, err := st.GetMediaSourceType(ctx, quoteOfPost)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, media.MediaRepost, dq)
}

func TestHandleCommitDeletedPostNeverPaged(t *testing.T) {
	st := testStore(t)
	c, _ := newTestConsumer(t, st, st, nil, nil)
	ctx := context.Background()

	var ops []RecordOp
	for _, rkey := range []string{"p1", "p2", "p3", "p4"} {
		ops = append(ops, create("did:plc:x", media.CollectionPost, rkey, `{"embed":{"$type":"app.bsky.embed.video"}}`))
	}
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 1, Repo: "did:plc:x", Ops: ops}))

	deleted := "at://did:plc:x/app.bsky.feed.post/p2"
	require.NoError(t, c.HandleCommit(ctx, &CommitEvent{Seq: 2, Repo: "did:plc:x", Ops: []RecordOp{
		del("did:plc:x", media.CollectionPost, "p2"),
	}}))

	var paged []string
	cursor := ""
	for {
		page, next, err := st.QueryPage(ctx, store.PostFilter{MediaSourceTypes: media.FeedTypes}, cursor, 1)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			paged = append(paged, p.URI)
		}
		cursor = next
	}

	assert.Len(t, paged, 3)
	assert.NotContains(t, paged, deleted)

	all, _, err := st.QueryPage(ctx, store.PostFilter{}, "", 100)
	require.NoError(t, err)
	for _, p := range all {
		assert.NotEqual(t, deleted, p.URI)
	}
}
