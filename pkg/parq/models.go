package parq

import (
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
)

// Row is an evicted post as written to the archive.
type Row struct {
	URI             string `parquet:"uri"`
	CID             string `parquet:"cid"`
	Author          string `parquet:"author"`
	CreatedAt       int64  `parquet:"created_at"`
	IndexedAt       int64  `parquet:"indexed_at"`
	MediaSourceType int32  `parquet:"media_source_type"`
}

func rowFromPost(p store.Post) *Row {
	return &Row{
		URI:             p.URI,
		CID:             p.CID,
		Author:          p.Author,
		CreatedAt:       p.CreatedAt.UnixMicro(),
		IndexedAt:       p.IndexedAt,
		MediaSourceType: int32(p.MediaSourceType),
	}
}
