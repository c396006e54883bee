package stream

import (
	"encoding/json"
	"time"

	"github.com/ericvolp12/bsky-media-feed/pkg/media"
)

// CommitEvent is a firehose #commit frame with its record blocks decoded.
type CommitEvent struct {
	Seq  int64
	Repo string
	Time time.Time
	Ops  []RecordOp
}

// RecordOp is one create, update or delete in a commit. Record is the JSON form
// of the record and is only populated for creates and updates in the
// collections this service monitors. Err is set when the op could not be decoded.
type RecordOp struct {
	Action     string
	Collection string
	RKey       string
	URI        string
	CID        string
	Record     json.RawMessage
	Err        error
}

type CreateOp struct {
	URI    string
	CID    string
	Author string
	Record *media.Record
}

type DeleteOp struct {
	URI string
}

type OpSet struct {
	Creates []CreateOp
	Deletes []DeleteOp
}

// OpsByType is the part of a commit this service acts on.
type OpsByType struct {
	Posts   OpSet
	Reposts OpSet

	// Skipped lists monitored creates whose record could not be read.
	Skipped []SkippedOp
}

type SkippedOp struct {
	URI string
	Err error
}
