package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/feed-digest/internal/ingest"
)

// ErrCredentialNotFound is returned when no credential exists for an address.
var ErrCredentialNotFound = errors.New("credential not found")

// GetCredential looks up the stored mailbox login for an email address.
func (s *Store) GetCredential(ctx context.Context, emailAddress string) (*ingest.Credential, error) {
	var (
		cred     ingest.Credential
		lastSync sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email_address, password, last_sync_at
		FROM email_credentials
		WHERE email_address = $1
	`, emailAddress).Scan(&cred.EmailAddress, &cred.Password, &lastSync)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	cred.LastSyncAt = timePtr(lastSync)
	return &cred, nil
}

// ErrAmbiguousCredential is returned by GetSoleCredential when more than one
// credential is stored.
var ErrAmbiguousCredential = errors.New("multiple credentials stored, mailbox uri must name one")

// GetSoleCredential returns the stored credential when exactly one exists.
// Mailbox URIs without a user part fall back to it.
func (s *Store) GetSoleCredential(ctx context.Context) (*ingest.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email_address, password, last_sync_at
		FROM email_credentials
		ORDER BY email_address
		LIMIT 2
	`)
	if err != nil {
		return nil, fmt.Errorf("get sole credential: %w", err)
	}
	defer rows.Close()

	var creds []ingest.Credential
	for rows.Next() {
		var (
			cred     ingest.Credential
			lastSync sql.NullTime
		)
		if err := rows.Scan(&cred.EmailAddress, &cred.Password, &lastSync); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		cred.LastSyncAt = timePtr(lastSync)
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get sole credential: %w", err)
	}
	switch len(creds) {
	case 0:
		return nil, ErrCredentialNotFound
	case 1:
		return &creds[0], nil
	default:
		return nil, ErrAmbiguousCredential
	}
}

// UpsertCredential stores or replaces the login for a mailbox. The existing
// sync cursor is preserved on replace.
func (s *Store) UpsertCredential(ctx context.Context, emailAddress, password string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_credentials (email_address, password)
		VALUES ($1, $2)
		ON CONFLICT (email_address) DO UPDATE SET password = EXCLUDED.password
	`, emailAddress, password)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// RecordSync advances the mailbox sync cursor. Called only after the fetched
// messages are durably stored, so a crash between fetch and store re-fetches
// rather than skips.
func (s *Store) RecordSync(ctx context.Context, emailAddress string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_credentials SET last_sync_at = $2 WHERE email_address = $1
	`, emailAddress, at)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
