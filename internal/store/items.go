package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/feed-digest/internal/ingest"
)

// StoreItems persists a successful fetch: items are inserted with duplicate
// suppression on (source_id, uri) and (source_id, guid), and the source's
// cursors advance in the same transaction. Returns only the items that were
// actually new, so callers fan out each stored item exactly once.
func (s *Store) StoreItems(ctx context.Context, r *ingest.FetchResult) ([]ingest.Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ingest.StoreError{Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback()

	var inserted []ingest.Item
	for i := range r.Items {
		it := &r.Items[i]
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO items
				(id, source_id, uri, guid, title, description, content, author,
				 published_at, tags, text_body, vision_blob, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
			ON CONFLICT DO NOTHING
		`, it.ID, r.SourceID, it.URI, nullString(it.GUID), it.Title,
			nullString(it.Description), nullString(it.Content), nullString(it.Author),
			nullTime(it.PublishedAt), pq.Array(it.Tags), it.Text, it.VisionBlob)
		if err != nil {
			return nil, &ingest.StoreError{Err: fmt.Errorf("insert item %s: %w", it.URI, err)}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, *it)
		}
	}

	if err := recordSuccess(ctx, tx, r); err != nil {
		return nil, &ingest.StoreError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &ingest.StoreError{Err: fmt.Errorf("commit: %w", err)}
	}
	return inserted, nil
}

// ListRecentItems returns the newest items for a source, newest first.
func (s *Store) ListRecentItems(ctx context.Context, sourceID uuid.UUID, limit int) ([]ingest.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, uri, guid, COALESCE(title, ''), description,
		       content, author, published_at, tags, text_body, vision_blob, created_at
		FROM items
		WHERE source_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	defer rows.Close()

	var out []ingest.Item
	for rows.Next() {
		var (
			it          ingest.Item
			guid        sql.NullString
			desc        sql.NullString
			content     sql.NullString
			author      sql.NullString
			publishedAt sql.NullTime
			tags        pq.StringArray
		)
		if err := rows.Scan(
			&it.ID, &it.SourceID, &it.URI, &guid, &it.Title, &desc,
			&content, &author, &publishedAt, &tags, &it.Text, &it.VisionBlob, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.GUID = strPtr(guid)
		it.Description = strPtr(desc)
		it.Content = strPtr(content)
		it.Author = strPtr(author)
		it.PublishedAt = timePtr(publishedAt)
		it.Tags = []string(tags)
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountItemsSince returns how many items a source produced after the cutoff.
func (s *Store) CountItemsSince(ctx context.Context, sourceID uuid.UUID, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM items WHERE source_id = $1 AND created_at > $2
	`, sourceID, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}
