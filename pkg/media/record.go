package media

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionRepost = "app.bsky.feed.repost"
)

const (
	EmbedImages          = "app.bsky.embed.images"
	EmbedVideo           = "app.bsky.embed.video"
	EmbedExternal        = "app.bsky.embed.external"
	EmbedRecord          = "app.bsky.embed.record"
	EmbedRecordWithMedia = "app.bsky.embed.recordWithMedia"
)

// Record is the subset of an app.bsky.feed.post or app.bsky.feed.repost
// record that classification needs. Subject and Embed stay raw so a
// malformed union member is an error for the classifier, not for decoding.
type Record struct {
	Type      string
	CreatedAt string
	Subject   json.RawMessage
	Embed     json.RawMessage
}

type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Embed is one member of the embed union. Its nested fields are decoded on
// demand because their shape depends on Type.
type Embed struct {
	Type     string          `json:"$type"`
	External json.RawMessage `json:"external,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
	Media    json.RawMessage `json:"media,omitempty"`
}

var errNotObject = errors.New("not a JSON object")

// ParseRecord decodes the JSON form of a post or repost record. Only input
// that is not a JSON object is rejected.
func ParseRecord(raw []byte) (*Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", errNotObject)
	}

	rec := &Record{
		Subject: present(fields["subject"]),
		Embed:   present(fields["embed"]),
	}
	// A $type or createdAt of the wrong JSON type is treated as absent.
	_ = json.Unmarshal(fields["$type"], &rec.Type)
	_ = json.Unmarshal(fields["createdAt"], &rec.CreatedAt)

	return rec, nil
}

// present drops JSON null so an explicit null reads the same as a missing field.
func present(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

func decodeObject(raw json.RawMessage, v any, what string) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.TrimSpace(raw)[0] != '{' {
		return fmt.Errorf("%s: %w", what, errNotObject)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

// SubjectURI returns the uri a repost points at, or "" when it has no subject.
func (r *Record) SubjectURI() (string, error) {
	if len(r.Subject) == 0 {
		return "", nil
	}
	var ref StrongRef
	if err := decodeObject(r.Subject, &ref, "repost subject"); err != nil {
		return "", err
	}
	return ref.URI, nil
}

// ParseEmbed decodes the post's embed, returning nil when the post has none.
func (r *Record) ParseEmbed() (*Embed, error) {
	if len(r.Embed) == 0 {
		return nil, nil
	}
	var e Embed
	if err := decodeObject(r.Embed, &e, "embed"); err != nil {
		return nil, err
	}
	return &e, nil
}

// embedType strips the "#main" style fragment from a $type value.
func embedType(t string) string {
	if idx := strings.Index(t, "#"); idx != -1 {
		return t[:idx]
	}
	return t
}

// ExternalURI returns the link of an app.bsky.embed.external embed.
func (e *Embed) ExternalURI() (string, error) {
	if len(present(e.External)) == 0 {
		return "", fmt.Errorf("external embed has no external link")
	}
	var ext struct {
		URI string `json:"uri"`
	}
	if err := decodeObject(e.External, &ext, "external link"); err != nil {
		return "", err
	}
	return ext.URI, nil
}

// MediaEmbed returns the media half of an app.bsky.embed.recordWithMedia embed.
func (e *Embed) MediaEmbed() (*Embed, error) {
	if len(present(e.Media)) == 0 {
		return nil, fmt.Errorf("record with media embed has no media")
	}
	var m Embed
	if err := decodeObject(e.Media, &m, "embed media"); err != nil {
		return nil, err
	}
	return &m, nil
}

// QuotedURI returns the uri of the record quoted by an app.bsky.embed.record
// or app.bsky.embed.recordWithMedia embed.
func (e *Embed) QuotedURI() (string, error) {
	if len(present(e.Record)) == 0 {
		return "", fmt.Errorf("embed %q has no record", e.Type)
	}

	switch embedType(e.Type) {
	case EmbedRecord:
		var ref StrongRef
		if err := decodeObject(e.Record, &ref, "quoted record ref"); err != nil {
			return "", err
		}
		return ref.URI, nil
	case EmbedRecordWithMedia:
		var inner struct {
			Record json.RawMessage `json:"record"`
		}
		if err := decodeObject(e.Record, &inner, "quoted record embed"); err != nil {
			return "", err
		}
		if len(present(inner.Record)) == 0 {
			return "", fmt.Errorf("quoted record embed has no record ref")
		}
		var ref StrongRef
		if err := decodeObject(inner.Record, &ref, "quoted record ref"); err != nil {
			return "", err
		}
		return ref.URI, nil
	default:
		return "", fmt.Errorf("embed %q does not quote a record", e.Type)
	}
}

// TargetURI returns the uri a repost or quote-post points at, or "" when the
// record points nowhere or the reference cannot be read.
func TargetURI(rec *Record, isRepost bool) string {
	if rec == nil {
		return ""
	}
	if isRepost {
		uri, err := rec.SubjectURI()
		if err != nil {
			return ""
		}
		return uri
	}
	e, err := rec.ParseEmbed()
	if err != nil || e == nil {
		return ""
	}
	switch embedType(e.Type) {
	case EmbedRecord, EmbedRecordWithMedia:
		uri, err := e.QuotedURI()
		if err != nil {
			return ""
		}
		return uri
	}
	return ""
}
