// Package ingest defines the domain types shared by the fetchers, the
// scheduler, and the state store: pollable sources, normalized items, and
// the result of a single pull attempt.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SourceKind identifies the pull protocol for a source.
type SourceKind string

const (
	SourceRSS  SourceKind = "rss"
	SourceIMAP SourceKind = "imap"
)

// Source is a registered, pollable producer of items.
type Source struct {
	ID       uuid.UUID `json:"id"`
	Kind     SourceKind `json:"kind"`
	URI      string    `json:"uri"`
	IsActive bool      `json:"is_active"`

	// HTTP cursor fields (RSS only)
	ETag             *string `json:"etag,omitempty"`
	LastModifiedHTTP *string `json:"last_modified_http,omitempty"`

	// Scheduling fields
	BaseInterval  time.Duration `json:"base_interval"` // zero means "derive default from kind/URI"
	LastFetchAt   *time.Time    `json:"last_fetch_at,omitempty"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty"`
	ErrorCount    int           `json:"error_count"`
	LastError     *string       `json:"last_error,omitempty"`
	ParkedUntil   *time.Time    `json:"parked_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item is a normalized ingested unit. URI is globally unique and stable
// across re-fetches of the same entry; Text is the composed header+body
// representation consumed by processing stages.
type Item struct {
	ID          uuid.UUID  `json:"id"`
	SourceID    uuid.UUID  `json:"source_id"`
	URI         string     `json:"uri"`
	GUID        *string    `json:"guid,omitempty"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Content     *string    `json:"content,omitempty"`
	Author      *string    `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Text        string     `json:"text"`
	VisionBlob  []byte     `json:"vision_blob,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FetchResult is the ephemeral outcome of one pull attempt against a source.
// A 304 Not Modified is a success with zero items and unchanged cursors.
type FetchResult struct {
	SourceID        uuid.UUID
	Success         bool
	HTTPStatus      int
	NewETag         *string
	NewLastModified *string
	Items           []Item
	FetchedAt       time.Time
	ResponseTime    time.Duration
}

// Fetcher turns a source snapshot plus its persisted cursor state into a
// batch of new items. RSS and IMAP are the two concrete implementations.
type Fetcher interface {
	// Pull performs one fetch attempt. On failure it returns a nil result
	// and an error whose kind (see errors.go) drives scheduler backoff.
	Pull(ctx context.Context, src Source) (*FetchResult, error)
}

// Credential holds the IMAP login for a mailbox source. Password must never
// be written to logs; see pkg/logger redaction.
type Credential struct {
	EmailAddress string
	Password     string
	LastSyncAt   *time.Time
}

// Preferences parameterize a user's processing stages.
type Preferences struct {
	UserID      string
	Description string
	Memory      string
}
