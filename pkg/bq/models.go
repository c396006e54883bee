package bq

import (
	"time"

	"github.com/ericvolp12/bsky-media-feed/pkg/store"
)

// Row is one classified post as written to the daily table.
type Row struct {
	IndexedAt time.Time `bigquery:"indexed_at"`
	CreatedAt time.Time `bigquery:"created_at"`

	URI             string `bigquery:"uri"`
	CID             string `bigquery:"cid"`
	Author          string `bigquery:"author"`
	MediaSourceType int    `bigquery:"media_source_type"`
	Classification  string `bigquery:"classification"`
}

func rowFromPost(p *store.Post) *Row {
	return &Row{
		IndexedAt:       time.UnixMicro(p.IndexedAt).UTC(),
		CreatedAt:       p.CreatedAt.UTC(),
		URI:             p.URI,
		CID:             p.CID,
		Author:          p.Author,
		MediaSourceType: int(p.MediaSourceType),
		Classification:  p.MediaSourceType.String(),
	}
}
