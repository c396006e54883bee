package stream

import (
	"github.com/ericvolp12/bsky-media-feed/pkg/media"
)

func isMonitored(collection string) bool {
	return collection == media.CollectionPost || collection == media.CollectionRepost
}

// ExtractOps partitions the post and repost operations of a commit into
// creates and deletes. Other collections and update actions are ignored.
// A create is skipped only when its record could not be read or is not a
// JSON object. Embed problems are left to the classifier.
func ExtractOps(evt *CommitEvent) *OpsByType {
	ops := &OpsByType{}

	for _, op := range evt.Ops {
		var set *OpSet
		switch op.Collection {
		case media.CollectionPost:
			set = &ops.Posts
		case media.CollectionRepost:
			set = &ops.Reposts
		default:
			continue
		}

		switch op.Action {
		case "create":
			if op.Err != nil {
				ops.Skipped = append(ops.Skipped, SkippedOp{URI: op.URI, Err: op.Err})
				continue
			}

			rec, err := media.ParseRecord(op.Record)
			if err != nil {
				ops.Skipped = append(ops.Skipped, SkippedOp{URI: op.URI, Err: err})
				continue
			}

			set.Creates = append(set.Creates, CreateOp{
				URI:    op.URI,
				CID:    op.CID,
				Author: evt.Repo,
				Record: rec,
			})
		case "delete":
			set.Deletes = append(set.Deletes, DeleteOp{URI: op.URI})
		}
	}

	return ops
}
