package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/bsky-media-feed/pkg/media"
)

type RetentionConfig struct {
	// Interval between runs of the Pruner.
	Interval time.Duration
	// MaxDBSize is the live database size in bytes above which the oldest
	// posts are evicted. Zero disables size based eviction.
	MaxDBSize int64
	// KeepRows is how many of the newest posts survive size based eviction.
	KeepRows int
	// BatchSize bounds the rows evicted per statement.
	BatchSize int
}

func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Interval:  15 * time.Minute,
		MaxDBSize: 30 * 1000 * 1000 * 1000,
		KeepRows:  80_000_000,
		BatchSize: 10_000,
	}
}

// Archiver receives posts right before size based eviction deletes them.
type Archiver interface {
	ArchivePosts(ctx context.Context, posts []Post) error
}

type PruneResult struct {
	OutOfScope int64
	Evicted    int64
	DBSize     int64
}

// Prune deletes every post whose classification is not served by a feed, then
// evicts the oldest posts beyond cfg.KeepRows while the database is larger
// than cfg.MaxDBSize. archiver may be nil.
func (s *Store) Prune(ctx context.Context, cfg RetentionConfig, archiver Archiver) (PruneResult, error) {
	ctx, span := tracer.Start(ctx, "Prune")
	defer span.End()

	var result PruneResult

	res := s.db.WithContext(ctx).Where("media_source_type NOT IN ?", media.FeedTypes).Delete(&Post{})
	if res.Error != nil {
		return result, fmt.Errorf("failed to delete out of scope posts: %w", res.Error)
	}
	result.OutOfScope = res.RowsAffected

	size, err := s.DBSize(ctx)
	if err != nil {
		return result, err
	}
	result.DBSize = size

	if cfg.MaxDBSize <= 0 || size <= cfg.MaxDBSize {
		return result, nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10_000
	}

	for {
		var batch []Post
		err := s.db.WithContext(ctx).
			Order("indexed_at DESC, cid DESC").
			Offset(cfg.KeepRows).
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return result, fmt.Errorf("failed to select posts to evict: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if archiver != nil {
			if err := archiver.ArchivePosts(ctx, batch); err != nil {
				return result, fmt.Errorf("failed to archive evicted posts: %w", err)
			}
		}

		uris := make([]string, len(batch))
		for i, p := range batch {
			uris[i] = p.URI
		}

		res := s.db.WithContext(ctx).Where("uri IN ?", uris).Delete(&Post{})
		if res.Error != nil {
			return result, fmt.Errorf("failed to evict posts: %w", res.Error)
		}
		result.Evicted += res.RowsAffected

		if len(batch) < batchSize {
			break
		}
	}

	return result, nil
}

// DBSize returns the bytes held by live pages of the database.
func (s *Store) DBSize(ctx context.Context) (int64, error) {
	var size int64
	row := s.db.WithContext(ctx).Raw(
		"SELECT (page_count - freelist_count) * page_size FROM pragma_page_count(), pragma_freelist_count(), pragma_page_size()",
	).Row()
	if err := row.Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to get database size: %w", err)
	}
	return size, nil
}

// Pruner runs Prune on a fixed interval, independent of ingestion and queries.
type Pruner struct {
	logger   *slog.Logger
	store    *Store
	cfg      RetentionConfig
	archiver Archiver
}

func NewPruner(logger *slog.Logger, store *Store, cfg RetentionConfig, archiver Archiver) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetentionConfig().Interval
	}
	return &Pruner{
		logger:   logger.With("source", "pruner"),
		store:    store,
		cfg:      cfg,
		archiver: archiver,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutting down pruner")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

func (p *Pruner) RunOnce(ctx context.Context) {
	start := time.Now()
	result, err := p.store.Prune(ctx, p.cfg, p.archiver)
	pruneDuration.Observe(time.Since(start).Seconds())
	prunedPosts.WithLabelValues("out_of_scope").Add(float64(result.OutOfScope))
	prunedPosts.WithLabelValues("evicted").Add(float64(result.Evicted))
	if err != nil {
		p.logger.Error("failed to prune posts", "err", err)
		return
	}

	p.logger.Info("pruned posts",
		"out_of_scope", result.OutOfScope,
		"evicted", result.Evicted,
		"db_size", result.DBSize,
		"duration", time.Since(start).String(),
	)
}
