package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/feed-digest/internal/ingest"
)

// ErrAggregatorNotFound is returned when a user has no aggregator row.
var ErrAggregatorNotFound = errors.New("aggregator state not found")

// AggregatorRecord is the persisted snapshot of one user's time-bucket
// aggregator. Buffer is the JSON-encoded pending items; the aggregate
// package owns the encoding.
type AggregatorRecord struct {
	UserID        string
	Bucket        string
	BucketSeconds int64
	MaxItems      int
	LastEmitAt    *time.Time
	Buffer        []byte
	UpdatedAt     time.Time
}

// SaveAggregatorState upserts a user's aggregator snapshot.
func (s *Store) SaveAggregatorState(ctx context.Context, rec *AggregatorRecord) error {
	buf := rec.Buffer
	if len(buf) == 0 {
		buf = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_aggregators
			(user_id, bucket, bucket_seconds, max_items, last_emit_at, buffer, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			bucket = EXCLUDED.bucket,
			bucket_seconds = EXCLUDED.bucket_seconds,
			max_items = EXCLUDED.max_items,
			last_emit_at = EXCLUDED.last_emit_at,
			buffer = EXCLUDED.buffer,
			updated_at = NOW()
	`, rec.UserID, rec.Bucket, rec.BucketSeconds, rec.MaxItems,
		nullTime(rec.LastEmitAt), buf)
	if err != nil {
		return fmt.Errorf("save aggregator state: %w", err)
	}
	return nil
}

// GetAggregatorState loads one user's aggregator snapshot.
func (s *Store) GetAggregatorState(ctx context.Context, userID string) (*AggregatorRecord, error) {
	var (
		rec      AggregatorRecord
		lastEmit sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, bucket, bucket_seconds, max_items, last_emit_at, buffer, updated_at
		FROM user_aggregators
		WHERE user_id = $1
	`, userID).Scan(&rec.UserID, &rec.Bucket, &rec.BucketSeconds, &rec.MaxItems,
		&lastEmit, &rec.Buffer, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAggregatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregator state: %w", err)
	}
	rec.LastEmitAt = timePtr(lastEmit)
	return &rec, nil
}

// ListAggregatorStates loads every persisted aggregator snapshot, used to
// rebuild the registry at startup.
func (s *Store) ListAggregatorStates(ctx context.Context) ([]AggregatorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, bucket, bucket_seconds, max_items, last_emit_at, buffer, updated_at
		FROM user_aggregators
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list aggregator states: %w", err)
	}
	defer rows.Close()

	var out []AggregatorRecord
	for rows.Next() {
		var (
			rec      AggregatorRecord
			lastEmit sql.NullTime
		)
		if err := rows.Scan(&rec.UserID, &rec.Bucket, &rec.BucketSeconds, &rec.MaxItems,
			&lastEmit, &rec.Buffer, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan aggregator state: %w", err)
		}
		rec.LastEmitAt = timePtr(lastEmit)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteAggregatorState removes a user's snapshot when the aggregator is
// unregistered.
func (s *Store) DeleteAggregatorState(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_aggregators WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete aggregator state: %w", err)
	}
	return nil
}

// GetPreferences loads a user's processing preferences. Missing users get
// empty preferences rather than an error.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*ingest.Preferences, error) {
	prefs := &ingest.Preferences{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(description, ''), COALESCE(memory, '')
		FROM user_preferences
		WHERE user_id = $1
	`, userID).Scan(&prefs.Description, &prefs.Memory)
	if err == sql.ErrNoRows {
		return prefs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return prefs, nil
}

// UpsertPreferences stores a user's processing preferences.
func (s *Store) UpsertPreferences(ctx context.Context, prefs *ingest.Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, description, memory, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			description = EXCLUDED.description,
			memory = EXCLUDED.memory,
			updated_at = NOW()
	`, prefs.UserID, prefs.Description, prefs.Memory)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// UpdateMemory replaces only the memory column, used by digest reflection.
func (s *Store) UpdateMemory(ctx context.Context, userID, memory string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, description, memory, updated_at)
		VALUES ($1, '', $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			memory = EXCLUDED.memory,
			updated_at = NOW()
	`, userID, memory)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}
