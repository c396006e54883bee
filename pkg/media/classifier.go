package media

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// SourceType is the classification stored with every post. The integer values
// are persisted and must not be reordered.
type SourceType int

const (
	NotMedia SourceType = iota
	Media
	MediaRepost
	LinkToMediaSite
)

func (t SourceType) String() string {
	switch t {
	case NotMedia:
		return "not_media"
	case Media:
		return "media"
	case MediaRepost:
		return "media_repost"
	case LinkToMediaSite:
		return "link_to_media_site"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseSourceType accepts either the name or the integer value of a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	for _, t := range []SourceType{NotMedia, Media, MediaRepost, LinkToMediaSite} {
		if s == t.String() || s == strconv.Itoa(int(t)) {
			return t, nil
		}
	}
	return NotMedia, fmt.Errorf("unknown media source type %q", s)
}

// IsDirectMedia reports whether t marks a post that carries media itself,
// which is what makes a repost or quote of it a MediaRepost.
func (t SourceType) IsDirectMedia() bool {
	return t == Media || t == LinkToMediaSite
}

// FeedTypes are the classifications served by the media feeds and kept by retention.
var FeedTypes = []SourceType{Media, MediaRepost, LinkToMediaSite}

// PostLookup reads classifications already in the local store.
type PostLookup interface {
	GetMediaSourceType(ctx context.Context, uri string) (SourceType, bool, error)
}

// LoadedRecord is a record fetched from outside the local store.
type LoadedRecord struct {
	URI        string
	Collection string
	Record     *Record
}

// RecordLoader fetches repost and quote targets missing from the local store.
// A missing record is reported as (nil, nil).
type RecordLoader interface {
	Load(ctx context.Context, uri string) (*LoadedRecord, error)
}

// ErrorLogger is the durable diagnostic side channel.
type ErrorLogger interface {
	Append(ctx context.Context, msg string, fields map[string]any)
}

type Classifier struct {
	logger *slog.Logger
	sites  *SiteList
	posts  PostLookup
	loader RecordLoader
	errs   ErrorLogger
}

var tracer = otel.Tracer("media")

func NewClassifier(logger *slog.Logger, sites *SiteList, posts PostLookup, loader RecordLoader, errs ErrorLogger) *Classifier {
	return &Classifier{
		logger: logger.With("module", "classifier"),
		sites:  sites,
		posts:  posts,
		loader: loader,
		errs:   errs,
	}
}

// Classify returns the media classification of a newly created post or repost.
// It never fails: every extraction problem is logged and yields NotMedia.
func (c *Classifier) Classify(ctx context.Context, uri string, rec *Record, isRepost bool) SourceType {
	ctx, span := tracer.Start(ctx, "Classify")
	defer span.End()

	t := c.classify(ctx, uri, rec, isRepost, false)

	span.SetAttributes(
		attribute.String("uri", uri),
		attribute.Bool("is_repost", isRepost),
		attribute.String("media_source_type", t.String()),
	)

	return t
}

func (c *Classifier) classify(ctx context.Context, uri string, rec *Record, isRepost, isRecursive bool) SourceType {
	if rec == nil {
		c.logError(ctx, "classifier missing record", uri, isRepost, nil)
		return NotMedia
	}

	var target string

	if isRepost {
		subject, err := rec.SubjectURI()
		if err != nil {
			c.logError(ctx, "classifier post extract error", uri, isRepost, err)
			return NotMedia
		}
		target = subject
	} else {
		embed, err := rec.ParseEmbed()
		if err != nil {
			c.logError(ctx, "classifier post extract error", uri, isRepost, err)
			return NotMedia
		}
		if embed == nil {
			return NotMedia
		}

		switch embedType(embed.Type) {
		case EmbedImages, EmbedVideo:
			return Media
		case EmbedExternal:
			t, err := c.linkType(embed)
			if err != nil {
				c.logError(ctx, "classifier post extract error", uri, isRepost, err)
				return NotMedia
			}
			return t
		case EmbedRecord:
			quoted, err := embed.QuotedURI()
			if err != nil {
				c.logError(ctx, "classifier post extract error", uri, isRepost, err)
				return NotMedia
			}
			target = quoted
		case EmbedRecordWithMedia:
			t, err := c.quoteMediaType(embed)
			if err != nil {
				c.logError(ctx, "classifier post extract error", uri, isRepost, err)
				return NotMedia
			}
			if t.IsDirectMedia() {
				return t
			}

			quoted, err := embed.QuotedURI()
			if err != nil {
				c.logError(ctx, "classifier post extract error", uri, isRepost, err)
				return NotMedia
			}
			target = quoted
		default:
			c.logError(ctx, "classifier post extract error", uri, isRepost, fmt.Errorf("unknown embed type %q", embed.Type))
			return NotMedia
		}
	}

	// Only one hop of indirection is followed.
	if isRecursive {
		return NotMedia
	}

	if target == "" {
		c.logError(ctx, "classifier no target uri", uri, isRepost, nil)
		return NotMedia
	}

	return c.resolveTarget(ctx, uri, target)
}

// quoteMediaType applies the direct media rules to the media half of a
// recordWithMedia embed.
func (c *Classifier) quoteMediaType(e *Embed) (SourceType, error) {
	m, err := e.MediaEmbed()
	if err != nil {
		return NotMedia, err
	}

	switch embedType(m.Type) {
	case EmbedImages, EmbedVideo:
		return Media, nil
	case EmbedExternal:
		return c.linkType(m)
	default:
		return NotMedia, fmt.Errorf("unknown embed media type %q", m.Type)
	}
}

func (c *Classifier) linkType(e *Embed) (SourceType, error) {
	link, err := e.ExternalURI()
	if err != nil {
		return NotMedia, err
	}

	ok, err := c.sites.Match(link)
	if err != nil {
		return NotMedia, err
	}
	if ok {
		return LinkToMediaSite, nil
	}
	return NotMedia, nil
}

func (c *Classifier) resolveTarget(ctx context.Context, uri, target string) SourceType {
	ctx, span := tracer.Start(ctx, "resolveTarget")
	defer span.End()

	span.SetAttributes(attribute.String("target", target))

	if c.posts != nil {
		t, found, err := c.posts.GetMediaSourceType(ctx, target)
		if err != nil {
			c.logError(ctx, "classifier target lookup error", uri, false, fmt.Errorf("failed to look up %q: %w", target, err))
			return NotMedia
		}
		if found {
			span.SetAttributes(attribute.Bool("local", true))
			if t.IsDirectMedia() {
				return MediaRepost
			}
			return NotMedia
		}
	}

	if c.loader == nil {
		return NotMedia
	}

	loaded, err := c.loader.Load(ctx, target)
	if err != nil {
		c.logger.Warn("failed to load target record", "uri", uri, "target", target, "err", err)
		return NotMedia
	}
	if loaded == nil || loaded.Record == nil {
		return NotMedia
	}

	inner := c.classify(ctx, target, loaded.Record, loaded.Collection == CollectionRepost, true)
	if inner.IsDirectMedia() {
		return MediaRepost
	}
	return NotMedia
}

func (c *Classifier) logError(ctx context.Context, msg, uri string, isRepost bool, err error) {
	if c.errs == nil {
		c.logger.Error(msg, "uri", uri, "is_repost", isRepost, "err", err)
		return
	}

	fields := map[string]any{
		"uri":      uri,
		"isRepost": isRepost,
	}
	if err != nil {
		fields["err"] = err.Error()
	}
	c.errs.Append(ctx, msg, fields)
}
