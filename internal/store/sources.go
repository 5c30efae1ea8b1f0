package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/feed-digest/internal/ingest"
)

// ErrSourceNotFound is returned when a source id or URI matches nothing.
var ErrSourceNotFound = errors.New("source not found")

const sourceColumns = `
	id, kind, uri, is_active,
	COALESCE(etag, ''), COALESCE(last_modified_http, ''),
	base_interval_seconds, last_fetch_at, last_success_at,
	error_count, COALESCE(last_error, ''), parked_until,
	created_at, updated_at`

// RegisterSource inserts a new source. Registering an already-known URI
// returns the existing source unchanged.
func (s *Store) RegisterSource(ctx context.Context, kind ingest.SourceKind, uri string, baseInterval time.Duration) (*ingest.Source, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, kind, uri, is_active, base_interval_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, NOW(), NOW())
		ON CONFLICT (uri) DO NOTHING
	`, id, string(kind), uri, int64(baseInterval/time.Second))
	if err != nil {
		return nil, fmt.Errorf("register source: %w", err)
	}
	return s.GetSourceByURI(ctx, uri)
}

// GetSource fetches one source by id.
func (s *Store) GetSource(ctx context.Context, id uuid.UUID) (*ingest.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	return scanSource(row)
}

// GetSourceByURI fetches one source by its unique URI.
func (s *Store) GetSourceByURI(ctx context.Context, uri string) (*ingest.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE uri = $1`, uri)
	return scanSource(row)
}

// SetSourceActive flips the active flag.
func (s *Store) SetSourceActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set source active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSourceNotFound
	}
	return nil
}

// ListDueSources returns up to limit active sources eligible for a fetch at
// now, ordered never-fetched first, then healthy, then failing, oldest fetch
// first within each class. Eligibility (interval, backoff, park) is computed
// from the snapshot.
func (s *Store) ListDueSources(ctx context.Context, now time.Time, limit int) ([]ingest.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM sources
		WHERE is_active = TRUE
		ORDER BY CASE
			WHEN last_fetch_at IS NULL THEN 255
			WHEN error_count > 0 THEN 50
			ELSE 150
		END DESC, last_fetch_at ASC NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}
	defer rows.Close()

	var due []ingest.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		if !src.DueAt(now) {
			continue
		}
		due = append(due, *src)
		if len(due) >= limit {
			break
		}
	}
	return due, rows.Err()
}

// ListActiveSources returns every active source regardless of dueness, used
// by the manual trigger-now hook.
func (s *Store) ListActiveSources(ctx context.Context) ([]ingest.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM sources
		WHERE is_active = TRUE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

// RecordSuccess resets the error counter and advances the fetch cursors
// after a successful pull. It runs inside the item-insert transaction so a
// failed insert never advances the cursor.
func recordSuccess(ctx context.Context, tx *sql.Tx, r *ingest.FetchResult) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sources SET
			etag = COALESCE($2, etag),
			last_modified_http = COALESCE($3, last_modified_http),
			last_fetch_at = $4,
			last_success_at = $4,
			error_count = 0,
			last_error = NULL,
			parked_until = NULL,
			updated_at = NOW()
		WHERE id = $1
	`, r.SourceID, nullString(r.NewETag), nullString(r.NewLastModified), r.FetchedAt)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure bumps the error counter and stamps the attempt. Parked
// failures (bad config, rejected login) additionally set parked_until so the
// source sleeps out the long interval regardless of backoff. Rejected logins
// leave the error counter alone: the park interval already paces them, and
// the counter keeps reflecting transient fetch health.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, fetchErr error, at time.Time) error {
	var parked sql.NullTime
	if ingest.IsParked(fetchErr) {
		parked = sql.NullTime{Time: at.Add(ingest.ParkInterval), Valid: true}
	}
	bump := 1
	var authErr *ingest.AuthError
	if errors.As(fetchErr, &authErr) {
		bump = 0
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET
			last_fetch_at = $2,
			error_count = error_count + $5,
			last_error = $3,
			parked_until = $4,
			updated_at = NOW()
		WHERE id = $1
	`, id, at, fetchErr.Error(), parked, bump)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// SourceStats summarizes the source registry.
type SourceStats struct {
	Total        int
	Active       int
	Failing      int
	NeverFetched int
}

// GetSourceStats returns registry-wide counters.
func (s *Store) GetSourceStats(ctx context.Context) (*SourceStats, error) {
	var st SourceStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_active),
		       COUNT(*) FILTER (WHERE error_count > 0),
		       COUNT(*) FILTER (WHERE last_fetch_at IS NULL)
		FROM sources
	`).Scan(&st.Total, &st.Active, &st.Failing, &st.NeverFetched)
	if err != nil {
		return nil, fmt.Errorf("source stats: %w", err)
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*ingest.Source, error) {
	var (
		src             ingest.Source
		kind            string
		etag, lastMod   string
		intervalSeconds int64
		lastErr         string
		lastFetch       sql.NullTime
		lastSuccess     sql.NullTime
		parked          sql.NullTime
	)
	err := row.Scan(
		&src.ID, &kind, &src.URI, &src.IsActive,
		&etag, &lastMod,
		&intervalSeconds, &lastFetch, &lastSuccess,
		&src.ErrorCount, &lastErr, &parked,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Kind = ingest.SourceKind(kind)
	if etag != "" {
		src.ETag = &etag
	}
	if lastMod != "" {
		src.LastModifiedHTTP = &lastMod
	}
	if lastErr != "" {
		src.LastError = &lastErr
	}
	src.BaseInterval = time.Duration(intervalSeconds) * time.Second
	src.LastFetchAt = timePtr(lastFetch)
	src.LastSuccessAt = timePtr(lastSuccess)
	src.ParkedUntil = timePtr(parked)
	return &src, nil
}
