package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/bsky-media-feed/pkg/media"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	slogGorm "github.com/orandin/slog-gorm"
)

type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

var tracer = otel.Tracer("store")

// Open opens (and optionally migrates) the sqlite database at sqlitePath.
func Open(logger *slog.Logger, sqlitePath string, migrate bool) (*Store, error) {
	logger = logger.With("module", "store")

	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if sqlitePath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if err := db.Exec("PRAGMA busy_timeout=5000;").Error; err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if migrate {
		if err := db.AutoMigrate(&Post{}, &SubState{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &Store{
		logger: logger,
		db:     db,
	}, nil
}

// DB exposes the underlying handle so other tables (the error log) share the connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.Close()
}

// UpsertPosts inserts posts, overwriting every column of rows whose uri already exists.
func (s *Store) UpsertPosts(ctx context.Context, posts []*Post) error {
	if len(posts) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "UpsertPosts")
	defer span.End()
	span.SetAttributes(attribute.Int("count", len(posts)))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uri"}},
			DoUpdates: clause.AssignmentColumns([]string{"cid", "author", "created_at", "indexed_at", "media_source_type"}),
		}).CreateInBatches(posts, 100).Error
	})
	if err != nil {
		return fmt.Errorf("failed to upsert posts: %w", err)
	}

	postsUpserted.Add(float64(len(posts)))
	return nil
}

// DeletePosts removes the posts with the given uris. Unknown uris are ignored.
func (s *Store) DeletePosts(ctx context.Context, uris []string) error {
	if len(uris) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "DeletePosts")
	defer span.End()
	span.SetAttributes(attribute.Int("count", len(uris)))

	res := s.db.WithContext(ctx).Where("uri IN ?", uris).Delete(&Post{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete posts: %w", res.Error)
	}

	postsDeleted.Add(float64(res.RowsAffected))
	return nil
}

// GetMediaSourceType returns the stored classification of uri, if any.
func (s *Store) GetMediaSourceType(ctx context.Context, uri string) (media.SourceType, bool, error) {
	var posts []Post
	err := s.db.WithContext(ctx).
		Select("uri", "media_source_type").
		Where("uri = ?", uri).
		Limit(1).
		Find(&posts).Error
	if err != nil {
		return media.NotMedia, false, fmt.Errorf("failed to get post: %w", err)
	}

	if len(posts) == 0 {
		return media.NotMedia, false, nil
	}
	return posts[0].MediaSourceType, true, nil
}

// GetPost returns the stored row for uri, or nil when absent.
func (s *Store) GetPost(ctx context.Context, uri string) (*Post, error) {
	var posts []Post
	if err := s.db.WithContext(ctx).Where("uri = ?", uri).Limit(1).Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	if len(posts) == 0 {
		return nil, nil
	}
	return &posts[0], nil
}

// ExistingURIs returns the subset of uris present in the store.
func (s *Store) ExistingURIs(ctx context.Context, uris []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(uris) == 0 {
		return found, nil
	}

	var existing []string
	if err := s.db.WithContext(ctx).Model(&Post{}).Where("uri IN ?", uris).Pluck("uri", &existing).Error; err != nil {
		return nil, fmt.Errorf("failed to look up existing posts: %w", err)
	}

	for _, uri := range existing {
		found[uri] = struct{}{}
	}
	return found, nil
}

// QueryPage returns up to limit posts matching filter, newest first by
// (indexed_at, cid), strictly after cursor in that order. The returned cursor
// points at the last row and is empty when no rows were returned.
func (s *Store) QueryPage(ctx context.Context, filter PostFilter, cursor string, limit int) ([]Post, string, error) {
	ctx, span := tracer.Start(ctx, "QueryPage")
	defer span.End()

	start := time.Now()
	defer func() {
		queryDuration.Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		return nil, "", nil
	}
	if filter.Authors != nil && len(filter.Authors) == 0 {
		return nil, "", nil
	}
	if filter.MediaSourceTypes != nil && len(filter.MediaSourceTypes) == 0 {
		return nil, "", nil
	}

	q := s.db.WithContext(ctx).Model(&Post{})
	if filter.Authors != nil {
		q = q.Where("author IN ?", filter.Authors)
	}
	if filter.MediaSourceTypes != nil {
		q = q.Where("media_source_type IN ?", filter.MediaSourceTypes)
	}

	if cursor != "" {
		indexedAt, cid, err := ParseCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		q = q.Where("(indexed_at < ? OR (indexed_at = ? AND cid < ?))", indexedAt, indexedAt, cid)
	}

	var posts []Post
	if err := q.Order("indexed_at DESC, cid DESC").Limit(limit).Find(&posts).Error; err != nil {
		return nil, "", fmt.Errorf("failed to query posts (limit=%d, cursor=%q): %w", limit, cursor, err)
	}

	span.SetAttributes(attribute.Int("rows", len(posts)))

	if len(posts) == 0 {
		return posts, "", nil
	}

	last := posts[len(posts)-1]
	return posts, FormatCursor(last.IndexedAt, last.CID), nil
}

// GetCursor returns the saved firehose sequence for service, or 0 if none was saved.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var states []SubState
	if err := s.db.WithContext(ctx).Where("service = ?", service).Limit(1).Find(&states).Error; err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	if len(states) == 0 {
		return 0, nil
	}
	return states[0].Cursor, nil
}

func (s *Store) SetCursor(ctx context.Context, service string, cursor int64) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor"}),
	}).Create(&SubState{Service: service, Cursor: cursor}).Error
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
