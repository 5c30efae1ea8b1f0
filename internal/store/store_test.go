package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/feed-digest/internal/ingest"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func sourceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "kind", "uri", "is_active",
		"etag", "last_modified_http",
		"base_interval_seconds", "last_fetch_at", "last_success_at",
		"error_count", "last_error", "parked_until",
		"created_at", "updated_at",
	})
}

func TestGetSource(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	id := uuid.New()
	now := time.Now()
	fetched := now.Add(-time.Hour)

	mock.ExpectQuery("SELECT(.|\n)+FROM sources(.|\n)+WHERE id").
		WithArgs(id).
		WillReturnRows(sourceRows().AddRow(
			id, "rss", "https://example.com/feed.xml", true,
			`"abc123"`, "Mon, 24 Aug 2026 10:00:00 GMT",
			900, fetched, fetched,
			0, "", nil,
			now, now,
		))

	src, err := st.GetSource(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSource() error = %v", err)
	}
	if src.Kind != ingest.SourceRSS {
		t.Errorf("Kind = %q, want rss", src.Kind)
	}
	if src.ETag == nil || *src.ETag != `"abc123"` {
		t.Errorf("ETag = %v", src.ETag)
	}
	if src.BaseInterval != 15*time.Minute {
		t.Errorf("BaseInterval = %v, want 15m", src.BaseInterval)
	}
	if src.LastFetchAt == nil || !src.LastFetchAt.Equal(fetched) {
		t.Errorf("LastFetchAt = %v, want %v", src.LastFetchAt, fetched)
	}
	if src.LastError != nil {
		t.Errorf("LastError = %v, want nil", src.LastError)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT(.|\n)+FROM sources(.|\n)+WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetSource(context.Background(), id)
	if !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("error = %v, want ErrSourceNotFound", err)
	}
}

func TestListDueSourcesFiltersAndOrders(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)
	created := now.Add(-24 * time.Hour)

	neverID := uuid.New()
	dueID := uuid.New()
	notDueID := uuid.New()
	parkedID := uuid.New()

	// The query orders never-fetched first; dueness is decided on the
	// returned snapshot.
	mock.ExpectQuery("SELECT(.|\n)+FROM sources(.|\n)+WHERE is_active = TRUE(.|\n)+ORDER BY CASE").
		WillReturnRows(sourceRows().
			AddRow(neverID, "rss", "https://a.com/feed.xml", true, "", "", 900, nil, nil, 0, "", nil, created, created).
			AddRow(dueID, "rss", "https://b.com/feed.xml", true, "", "", 900, old, old, 0, "", nil, created, created).
			AddRow(notDueID, "rss", "https://c.com/feed.xml", true, "", "", 900, recent, recent, 0, "", nil, created, created).
			AddRow(parkedID, "rss", "https://d.com/feed.xml", true, "", "", 900, old, old, 1, "config error: bad uri", now.Add(4*time.Minute), created, created))

	due, err := st.ListDueSources(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ListDueSources() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due sources, want 2", len(due))
	}
	if due[0].ID != neverID {
		t.Errorf("first due = %s, want never-fetched source", due[0].ID)
	}
	if due[1].ID != dueID {
		t.Errorf("second due = %s, want elapsed source", due[1].ID)
	}
}

func TestListDueSourcesHonorsLimit(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Now()
	created := now.Add(-24 * time.Hour)
	rows := sourceRows()
	for i := 0; i < 5; i++ {
		rows.AddRow(uuid.New(), "rss", "https://x.com/feed"+string(rune('a'+i))+".xml",
			true, "", "", 900, nil, nil, 0, "", nil, created, created)
	}
	mock.ExpectQuery("SELECT(.|\n)+FROM sources").WillReturnRows(rows)

	due, err := st.ListDueSources(context.Background(), now, 3)
	if err != nil {
		t.Fatalf("ListDueSources() error = %v", err)
	}
	if len(due) != 3 {
		t.Errorf("got %d due sources, want 3", len(due))
	}
}

func TestStoreItemsCountsOnlyNewRows(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	srcID := uuid.New()
	fetchedAt := time.Now()
	etag := `"v2"`
	result := &ingest.FetchResult{
		SourceID:  srcID,
		Success:   true,
		NewETag:   &etag,
		FetchedAt: fetchedAt,
		Items: []ingest.Item{
			{URI: "https://a.com/1", Title: "One", Text: "Title: One"},
			{URI: "https://a.com/2", Title: "Two", Text: "Title: Two"},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO items").
		WillReturnResult(sqlmock.NewResult(0, 1)) // new
	mock.ExpectExec("INSERT INTO items").
		WillReturnResult(sqlmock.NewResult(0, 0)) // duplicate
	mock.ExpectExec("UPDATE sources SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := st.StoreItems(context.Background(), result)
	if err != nil {
		t.Fatalf("StoreItems() error = %v", err)
	}
	if len(inserted) != 1 {
		t.Fatalf("inserted = %d items, want 1 (duplicate suppressed)", len(inserted))
	}
	if inserted[0].URI != "https://a.com/1" {
		t.Errorf("inserted item = %q, want the new row only", inserted[0].URI)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStoreItemsPersistsVisionBlob(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	blob := []byte{0x89, 0x50, 0x4e, 0x47}
	result := &ingest.FetchResult{
		SourceID:  uuid.New(),
		Success:   true,
		FetchedAt: time.Now(),
		Items: []ingest.Item{
			{URI: "https://a.com/img", Title: "Chart", Text: "Title: Chart", VisionBlob: blob},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO items").
		WithArgs(sqlmock.AnyArg(), result.SourceID, "https://a.com/img", nil, "Chart",
			nil, nil, nil, nil, sqlmock.AnyArg(), "Title: Chart", blob).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sources SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := st.StoreItems(context.Background(), result)
	if err != nil {
		t.Fatalf("StoreItems() error = %v", err)
	}
	if len(inserted) != 1 || string(inserted[0].VisionBlob) != string(blob) {
		t.Errorf("inserted = %+v, want the blob carried through", inserted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStoreItemsRollsBackOnInsertError(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	result := &ingest.FetchResult{
		SourceID:  uuid.New(),
		FetchedAt: time.Now(),
		Items:     []ingest.Item{{URI: "https://a.com/1", Title: "One", Text: "x"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO items").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := st.StoreItems(context.Background(), result)
	var se *ingest.StoreError
	if !errors.As(err, &se) {
		t.Errorf("error = %v, want StoreError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordFailureParksConfigErrors(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	id := uuid.New()
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fetchErr := &ingest.ConfigError{Reason: "unsupported scheme"}

	mock.ExpectExec("UPDATE sources SET").
		WithArgs(id, at, fetchErr.Error(),
			at.Add(ingest.ParkInterval), // parked_until
			1).                          // error_count increment
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.RecordFailure(context.Background(), id, fetchErr, at); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordFailureAuthErrorSkipsCounter(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	id := uuid.New()
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fetchErr := &ingest.AuthError{Err: errors.New("LOGIN rejected")}

	// Rejected logins park the source but leave error_count untouched.
	mock.ExpectExec("UPDATE sources SET").
		WithArgs(id, at, fetchErr.Error(),
			at.Add(ingest.ParkInterval),
			0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.RecordFailure(context.Background(), id, fetchErr, at); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO email_credentials").
		WithArgs("alice@example.com", "hunter2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT email_address, password, last_sync_at").
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"email_address", "password", "last_sync_at"}).
			AddRow("alice@example.com", "hunter2", nil))

	ctx := context.Background()
	if err := st.UpsertCredential(ctx, "alice@example.com", "hunter2"); err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}
	cred, err := st.GetCredential(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if cred.Password != "hunter2" {
		t.Errorf("Password = %q", cred.Password)
	}
	if cred.LastSyncAt != nil {
		t.Errorf("LastSyncAt = %v, want nil before first sync", cred.LastSyncAt)
	}
}

func TestGetSoleCredential(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][]interface{}
		want    string
		wantErr error
	}{
		{
			name:    "no credentials",
			wantErr: ErrCredentialNotFound,
		},
		{
			name: "exactly one",
			rows: [][]interface{}{{"alice@example.com", "hunter2", nil}},
			want: "alice@example.com",
		},
		{
			name: "more than one",
			rows: [][]interface{}{
				{"alice@example.com", "hunter2", nil},
				{"bob@example.com", "swordfish", nil},
			},
			wantErr: ErrAmbiguousCredential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, mock, cleanup := setupStore(t)
			defer cleanup()

			rows := sqlmock.NewRows([]string{"email_address", "password", "last_sync_at"})
			for _, r := range tt.rows {
				vals := make([]driver.Value, len(r))
				for i, v := range r {
					vals[i] = v
				}
				rows.AddRow(vals...)
			}
			mock.ExpectQuery("SELECT email_address, password, last_sync_at").
				WillReturnRows(rows)

			cred, err := st.GetSoleCredential(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetSoleCredential() error = %v", err)
			}
			if cred.EmailAddress != tt.want {
				t.Errorf("EmailAddress = %q, want %q", cred.EmailAddress, tt.want)
			}
		})
	}
}

func TestRecordSyncUnknownMailbox(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE email_credentials SET last_sync_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.RecordSync(context.Background(), "ghost@example.com", time.Now())
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("error = %v, want ErrCredentialNotFound", err)
	}
}

func TestAggregatorStateRoundTrip(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	lastEmit := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	rec := &AggregatorRecord{
		UserID:        "user-1",
		Bucket:        "hourly",
		BucketSeconds: 3600,
		MaxItems:      100,
		LastEmitAt:    &lastEmit,
		Buffer:        []byte(`[{"summary":"x"}]`),
	}

	mock.ExpectExec("INSERT INTO user_aggregators").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, bucket, bucket_seconds").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "bucket", "bucket_seconds", "max_items", "last_emit_at", "buffer", "updated_at",
		}).AddRow("user-1", "hourly", 3600, 100, lastEmit, []byte(`[{"summary":"x"}]`), time.Now()))

	ctx := context.Background()
	if err := st.SaveAggregatorState(ctx, rec); err != nil {
		t.Fatalf("SaveAggregatorState() error = %v", err)
	}
	got, err := st.GetAggregatorState(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAggregatorState() error = %v", err)
	}
	if got.Bucket != "hourly" || got.BucketSeconds != 3600 {
		t.Errorf("bucket = %q/%d", got.Bucket, got.BucketSeconds)
	}
	if got.LastEmitAt == nil || !got.LastEmitAt.Equal(lastEmit) {
		t.Errorf("LastEmitAt = %v, want %v", got.LastEmitAt, lastEmit)
	}
}

func TestGetPreferencesMissingUser(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("new-user").
		WillReturnError(sql.ErrNoRows)

	prefs, err := st.GetPreferences(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("GetPreferences() error = %v", err)
	}
	if prefs.UserID != "new-user" || prefs.Description != "" || prefs.Memory != "" {
		t.Errorf("prefs = %+v, want empty defaults", prefs)
	}
}

func TestGetSourceStats(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"total", "active", "failing", "never"}).
			AddRow(10, 8, 2, 3))

	stats, err := st.GetSourceStats(context.Background())
	if err != nil {
		t.Fatalf("GetSourceStats() error = %v", err)
	}
	if stats.Total != 10 || stats.Active != 8 || stats.Failing != 2 || stats.NeverFetched != 3 {
		t.Errorf("stats = %+v", stats)
	}
}
