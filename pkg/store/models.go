package store

import (
	"time"

	"github.com/ericvolp12/bsky-media-feed/pkg/media"
)

// Post is a classified post or repost. IndexedAt is unix microseconds so the
// (indexed_at, cid) cursor compares numerically.
type Post struct {
	URI             string           `gorm:"primaryKey"`
	CID             string           `gorm:"column:cid;index:idx_posts_indexed_cid,priority:2,sort:desc"`
	Author          string           `gorm:"index"`
	CreatedAt       time.Time        `gorm:"autoCreateTime:false"`
	IndexedAt       int64            `gorm:"index:idx_posts_indexed_cid,priority:1,sort:desc"`
	MediaSourceType media.SourceType `gorm:"index"`
}

// SubState holds the last fully processed firehose sequence per upstream service.
type SubState struct {
	Service string `gorm:"primaryKey"`
	Cursor  int64
}

// PostFilter restricts QueryPage. A nil slice means no restriction, an empty
// non-nil slice matches nothing.
type PostFilter struct {
	Authors          []string
	MediaSourceTypes []media.SourceType
}
