package feeds

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"github.com/labstack/echo/v4"
)

const feedGeneratorCollection = "app.bsky.feed.generator"

// XRPCError is the error body the Bluesky app view expects from a feed generator.
type XRPCError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Server exposes the feed generator XRPC endpoints.
type Server struct {
	logger       *slog.Logger
	engine       *Engine
	algos        map[string]Algo
	serviceDID   string
	publisherDID string
	hostname     string
}

func NewServer(logger *slog.Logger, engine *Engine, serviceDID, publisherDID, hostname string) *Server {
	return &Server{
		logger:       logger.With("module", "feeds_server"),
		engine:       engine,
		algos:        engine.Algos(),
		serviceDID:   serviceDID,
		publisherDID: publisherDID,
		hostname:     hostname,
	}
}

func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/xrpc/app.bsky.feed.getFeedSkeleton", s.HandleGetFeedSkeleton)
	e.GET("/xrpc/app.bsky.feed.describeFeedGenerator", s.HandleDescribeFeedGenerator)
	e.GET("/.well-known/did.json", s.HandleDIDDocument)
	e.GET("/api/posts", s.HandleGetPosts)
}

// FeedURI is the AT-URI of the generator record for shortname.
func (s *Server) FeedURI(shortname string) string {
	return fmt.Sprintf("at://%s/%s/%s", s.publisherDID, feedGeneratorCollection, shortname)
}

// HandleGetFeedSkeleton handles GET /xrpc/app.bsky.feed.getFeedSkeleton
func (s *Server) HandleGetFeedSkeleton(c echo.Context) error {
	ctx := c.Request().Context()

	feedParam := c.QueryParam("feed")
	if feedParam == "" {
		return c.JSON(http.StatusBadRequest, XRPCError{Error: "InvalidRequest", Message: "feed parameter is required"})
	}

	feedURI, err := syntax.ParseATURI(feedParam)
	if err != nil {
		return c.JSON(http.StatusBadRequest, XRPCError{Error: "InvalidRequest", Message: fmt.Sprintf("invalid feed uri: %s", err)})
	}

	shortname := feedURI.RecordKey().String()
	algo, ok := s.algos[shortname]
	if !ok || feedURI.Authority().String() != s.publisherDID || feedURI.Collection().String() != feedGeneratorCollection {
		return c.JSON(http.StatusBadRequest, XRPCError{Error: "UnsupportedAlgorithm", Message: "Unsupported algorithm"})
	}

	limit := DefaultLimit
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		limit, err = strconv.Atoi(limitParam)
		if err != nil {
			return c.JSON(http.StatusBadRequest, XRPCError{Error: "InvalidRequest", Message: fmt.Sprintf("invalid limit: %s", err)})
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	requester, err := requesterFromAuth(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		s.logger.Warn("ignoring unreadable authorization", "feed", shortname, "err", err)
		requester = ""
	}
	skeletonRequests.WithLabelValues(shortname, strconv.FormatBool(requester != "")).Inc()

	skel := algo(ctx, requester, Params{
		Cursor: c.QueryParam("cursor"),
		Limit:  limit,
	})

	return c.JSON(http.StatusOK, skel)
}

type describeFeed struct {
	URI string `json:"uri"`
}

type describeFeedGeneratorResponse struct {
	DID   string         `json:"did"`
	Feeds []describeFeed `json:"feeds"`
}

// HandleDescribeFeedGenerator handles GET /xrpc/app.bsky.feed.describeFeedGenerator
func (s *Server) HandleDescribeFeedGenerator(c echo.Context) error {
	resp := describeFeedGeneratorResponse{DID: s.serviceDID}
	for _, shortname := range []string{MediaOnlyShortname, FollowingMediaOnlyShortname} {
		resp.Feeds = append(resp.Feeds, describeFeed{URI: s.FeedURI(shortname)})
	}
	return c.JSON(http.StatusOK, resp)
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

type didDocument struct {
	Context []string     `json:"@context"`
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

// HandleDIDDocument serves the did:web document for the service DID.
func (s *Server) HandleDIDDocument(c echo.Context) error {
	if s.serviceDID != "did:web:"+s.hostname {
		return c.NoContent(http.StatusNotFound)
	}

	return c.JSON(http.StatusOK, didDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      s.serviceDID,
		Service: []didService{{
			ID:              "#bsky_fg",
			Type:            "BskyFeedGenerator",
			ServiceEndpoint: "https://" + s.hostname,
		}},
	})
}

type JSONPost struct {
	URI             string    `json:"uri"`
	CID             string    `json:"cid"`
	Author          string    `json:"author"`
	CreatedAt       time.Time `json:"created_at"`
	IndexedAt       time.Time `json:"indexed_at"`
	MediaSourceType string    `json:"media_source_type"`
}

type PostsResponse struct {
	Posts  []JSONPost `json:"posts"`
	Cursor string     `json:"cursor,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// HandleGetPosts handles the GET /api/posts endpoint, a debugging view of
// stored classifications.
func (s *Server) HandleGetPosts(c echo.Context) error {
	// author - Author DID (optional)
	// type - media source type name or number (optional, repeatable)
	// cursor - cursor from a previous page (optional)
	// limit - Number of posts to return (default=100)

	resp := PostsResponse{}
	filter := store.PostFilter{}

	if authorParam := c.QueryParam("author"); authorParam != "" {
		did, err := syntax.ParseDID(authorParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid DID: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		filter.Authors = []string{did.String()}
	}

	for _, typeParam := range c.QueryParams()["type"] {
		t, err := media.ParseSourceType(typeParam)
		if err != nil {
			resp.Error = err.Error()
			return c.JSON(http.StatusBadRequest, resp)
		}
		filter.MediaSourceTypes = append(filter.MediaSourceTypes, t)
	}

	limit := 100
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		var err error
		limit, err = strconv.Atoi(limitParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid limit: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
	}
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	posts, cursor, err := s.engine.posts.QueryPage(c.Request().Context(), filter, c.QueryParam("cursor"), limit)
	if err != nil {
		resp.Error = err.Error()
		if errors.Is(err, store.ErrInvalidCursor) {
			return c.JSON(http.StatusBadRequest, resp)
		}
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Cursor = cursor
	resp.Posts = make([]JSONPost, len(posts))
	for i, p := range posts {
		resp.Posts[i] = JSONPost{
			URI:             p.URI,
			CID:             p.CID,
			Author:          p.Author,
			CreatedAt:       p.CreatedAt.UTC(),
			IndexedAt:       time.UnixMicro(p.IndexedAt).UTC(),
			MediaSourceType: p.MediaSourceType.String(),
		}
	}
	return c.JSON(http.StatusOK, resp)
}
