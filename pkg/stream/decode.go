package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ipfs/go-cid"
)

var ErrTooBig = errors.New("commit too big")

// DecodeCommit reads the CAR slice of a commit and returns its ops with
// monitored records converted to JSON. An error means the whole frame is
// unusable. Problems with a single op are reported on that op.
func DecodeCommit(ctx context.Context, evt *atproto.SyncSubscribeRepos_Commit) (*CommitEvent, error) {
	ctx, span := tracer.Start(ctx, "DecodeCommit")
	defer span.End()

	if evt.TooBig {
		return nil, ErrTooBig
	}

	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
	if err != nil {
		return nil, fmt.Errorf("failed to read event repo: %w", err)
	}

	out := &CommitEvent{
		Seq:  evt.Seq,
		Repo: evt.Repo,
	}

	if t, err := dateparse.ParseAny(evt.Time); err == nil {
		out.Time = t.UTC()
	} else {
		out.Time = time.Now().UTC()
	}

	for _, op := range evt.Ops {
		collection, rkey, _ := strings.Cut(op.Path, "/")
		rop := RecordOp{
			Action:     op.Action,
			Collection: collection,
			RKey:       rkey,
		}

		recURI, err := syntax.ParseATURI(fmt.Sprintf("at://%s/%s", evt.Repo, op.Path))
		if err != nil {
			rop.Err = fmt.Errorf("failed to parse record uri (path: %q): %w", op.Path, err)
			out.Ops = append(out.Ops, rop)
			continue
		}
		rop.URI = recURI.String()

		if op.Action == "delete" || !isMonitored(collection) {
			out.Ops = append(out.Ops, rop)
			continue
		}

		if op.Cid == nil {
			rop.Err = fmt.Errorf("op missing cid (path: %q)", op.Path)
			out.Ops = append(out.Ops, rop)
			continue
		}

		c := (cid.Cid)(*op.Cid)
		rop.CID = c.String()

		rop.Record, rop.Err = readRecord(ctx, r, c, op.Path)
		out.Ops = append(out.Ops, rop)
	}

	return out, nil
}

func readRecord(ctx context.Context, r *repo.Repo, expected cid.Cid, path string) (json.RawMessage, error) {
	blockCid, rec, err := r.GetRecordBytes(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to get record bytes (path: %q): %w", path, err)
	}

	if blockCid != expected {
		return nil, fmt.Errorf("cid mismatch (path: %q): from_event %q, from_blocks %q", path, expected, blockCid)
	}

	if rec == nil {
		return nil, fmt.Errorf("record not found in event blocks (path: %q)", path)
	}

	asCbor, err := data.UnmarshalCBOR(*rec)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal record from CBOR (path: %q): %w", path, err)
	}

	recJSON, err := json.Marshal(asCbor)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record to JSON (path: %q): %w", path, err)
	}

	return recJSON, nil
}

// RepoRecords walks a full repo checkout and returns every post and repost in
// it as create ops of a single synthetic commit.
func RepoRecords(ctx context.Context, r *repo.Repo, did string) (*CommitEvent, error) {
	ctx, span := tracer.Start(ctx, "RepoRecords")
	defer span.End()

	out := &CommitEvent{
		Repo: did,
		Time: time.Now().UTC(),
	}

	err := r.ForEach(ctx, "", func(path string, nodeCid cid.Cid) error {
		collection, rkey, ok := strings.Cut(path, "/")
		if !ok || !isMonitored(collection) {
			return nil
		}

		rop := RecordOp{
			Action:     "create",
			Collection: collection,
			RKey:       rkey,
			URI:        fmt.Sprintf("at://%s/%s", did, path),
			CID:        nodeCid.String(),
		}
		rop.Record, rop.Err = readRecord(ctx, r, nodeCid, path)
		out.Ops = append(out.Ops, rop)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk repo: %w", err)
	}

	return out, nil
}
