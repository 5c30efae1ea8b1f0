package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/feed-digest/internal/aggregate"
	"github.com/ignite/feed-digest/internal/digest"
	"github.com/ignite/feed-digest/internal/ingest"
	"github.com/ignite/feed-digest/internal/process"
)

type fakeStore struct {
	storeErr error
	known    map[string]bool // item URIs already held; not reported as new
	stored   []*ingest.FetchResult
	syncKeys []string
	prefs    map[string]*ingest.Preferences
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		known: make(map[string]bool),
		prefs: make(map[string]*ingest.Preferences),
	}
}

func (f *fakeStore) StoreItems(ctx context.Context, r *ingest.FetchResult) ([]ingest.Item, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	f.stored = append(f.stored, r)
	var newItems []ingest.Item
	for _, it := range r.Items {
		if f.known[it.URI] {
			continue
		}
		f.known[it.URI] = true
		newItems = append(newItems, it)
	}
	return newItems, nil
}

func (f *fakeStore) RecordSync(ctx context.Context, emailAddress string, at time.Time) error {
	f.syncKeys = append(f.syncKeys, emailAddress)
	return nil
}

func (f *fakeStore) GetPreferences(ctx context.Context, userID string) (*ingest.Preferences, error) {
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return &ingest.Preferences{UserID: userID}, nil
}

type collectSink struct {
	outputs []*aggregate.Output
	err     error
}

func (c *collectSink) Deliver(ctx context.Context, out *aggregate.Output) error {
	if c.err != nil {
		return c.err
	}
	c.outputs = append(c.outputs, out)
	return nil
}

func defaultChain() process.Chain {
	return process.Chain{
		process.NewRelevanceStage(),
		process.NewSummarizeStage(),
		process.NewFilterStage(),
	}
}

func rssSource() ingest.Source {
	return ingest.Source{ID: uuid.New(), Kind: ingest.SourceRSS, URI: "https://example.com/feed.xml", IsActive: true}
}

func resultWith(src ingest.Source, texts ...string) *ingest.FetchResult {
	items := make([]ingest.Item, len(texts))
	for i, text := range texts {
		items[i] = ingest.Item{
			ID:       uuid.New(),
			SourceID: src.ID,
			URI:      "https://example.com/" + uuid.NewString(),
			Title:    process.TitleLine(text),
			Text:     text,
		}
	}
	return &ingest.FetchResult{
		SourceID:  src.ID,
		Success:   true,
		Items:     items,
		FetchedAt: time.Now(),
	}
}

func TestHandleFetchFansOutRelevantItems(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.prefs["u1"] = &ingest.Preferences{UserID: "u1", Description: "technology and AI"}

	registry := aggregate.NewRegistry(nil)
	registry.Create(ctx, "u1", aggregate.Config{Kind: aggregate.KindHourly})

	o := New(store, registry, defaultChain(), nil, time.Second)
	src := rssSource()
	result := resultWith(src,
		"Title: AI breakthrough in technology\n\nDescription: researchers announce progress",
		"Title: football championship\n\nDescription: the final score",
	)

	if err := o.HandleFetch(ctx, src, result); err != nil {
		t.Fatalf("HandleFetch() error = %v", err)
	}
	if len(store.stored) != 1 {
		t.Fatalf("stored %d results, want 1", len(store.stored))
	}

	agg, _ := registry.Get("u1")
	if agg.Len() != 1 {
		t.Fatalf("buffered %d items, want only the relevant one", agg.Len())
	}
	items, _ := agg.Snapshot()
	if !strings.Contains(items[0].Item.Text, "AI breakthrough") {
		t.Errorf("wrong survivor: %q", items[0].Item.Text)
	}
	if items[0].Summary == "" {
		t.Error("survivor has no summary")
	}
}

func TestHandleFetchSkipsAlreadyStoredItems(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.prefs["u1"] = &ingest.Preferences{UserID: "u1", Description: "technology and AI"}

	registry := aggregate.NewRegistry(nil)
	registry.Create(ctx, "u1", aggregate.Config{Kind: aggregate.KindHourly})

	o := New(store, registry, defaultChain(), nil, time.Second)
	src := rssSource()
	result := resultWith(src,
		"Title: AI breakthrough in technology\n\nDescription: researchers announce progress",
		"Title: AI chips reshape technology\n\nDescription: a hardware shift",
	)
	// The first item was ingested by an earlier overlapping fetch.
	store.known[result.Items[0].URI] = true

	if err := o.HandleFetch(ctx, src, result); err != nil {
		t.Fatalf("HandleFetch() error = %v", err)
	}

	agg, _ := registry.Get("u1")
	if agg.Len() != 1 {
		t.Fatalf("buffered %d items, want 1: only the newly stored item fans out", agg.Len())
	}
	items, _ := agg.Snapshot()
	if !strings.Contains(items[0].Item.Text, "AI chips") {
		t.Errorf("fanned out the wrong item: %q", items[0].Item.Text)
	}
	if got := o.GetStats().Stored; got != 1 {
		t.Errorf("stored counter = %d, want 1", got)
	}
}

func TestHandleFetchStoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.storeErr = &ingest.StoreError{Err: errors.New("connection reset")}

	registry := aggregate.NewRegistry(nil)
	registry.Create(ctx, "u1", aggregate.Config{Kind: aggregate.KindHourly})

	o := New(store, registry, defaultChain(), nil, time.Second)
	src := rssSource()

	err := o.HandleFetch(ctx, src, resultWith(src, "Title: anything\n\nbody"))
	if err == nil {
		t.Fatal("HandleFetch() must surface the store failure")
	}
	var storeErr *ingest.StoreError
	if !errors.As(err, &storeErr) {
		t.Errorf("error = %v, want StoreError in the chain", err)
	}
	agg, _ := registry.Get("u1")
	if agg.Len() != 0 {
		t.Error("no fan-out may happen when persistence failed")
	}
}

func TestHandleFetchEmptyResultSkipsFanOut(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	registry := aggregate.NewRegistry(nil)
	registry.Create(ctx, "u1", aggregate.Config{Kind: aggregate.KindHourly})

	o := New(store, registry, defaultChain(), nil, time.Second)
	src := rssSource()

	// A 304 produces a successful result with zero items.
	if err := o.HandleFetch(ctx, src, resultWith(src)); err != nil {
		t.Fatalf("HandleFetch() error = %v", err)
	}
	agg, _ := registry.Get("u1")
	if agg.Len() != 0 {
		t.Error("empty result must not reach the aggregators")
	}
}

func TestHandleFetchAdvancesMailboxCursor(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	registry := aggregate.NewRegistry(nil)

	o := New(store, registry, defaultChain(), nil, time.Second)
	src := ingest.Source{
		ID:       uuid.New(),
		Kind:     ingest.SourceIMAP,
		URI:      "email://alice%40example.com@imap.example.com/INBOX",
		IsActive: true,
	}

	if err := o.HandleFetch(ctx, src, resultWith(src)); err != nil {
		t.Fatalf("HandleFetch() error = %v", err)
	}
	if len(store.syncKeys) != 1 || store.syncKeys[0] != "alice@example.com" {
		t.Errorf("sync keys = %v, want the credential email", store.syncKeys)
	}
}

func TestHandleFetchRSSDoesNotTouchCursor(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	o := New(store, aggregate.NewRegistry(nil), defaultChain(), nil, time.Second)
	src := rssSource()

	if err := o.HandleFetch(ctx, src, resultWith(src, "Title: x\n\nbody")); err != nil {
		t.Fatalf("HandleFetch() error = %v", err)
	}
	if len(store.syncKeys) != 0 {
		t.Errorf("sync keys = %v, want none for rss", store.syncKeys)
	}
}

func TestSweepDeliversToAllSinks(t *testing.T) {
	ctx := context.Background()
	registry := aggregate.NewRegistry(nil)
	registry.Create(ctx, "u1", aggregate.Config{Kind: aggregate.KindHourly})
	registry.AddItem("u1", process.ProcessedItem{
		Item:           ingest.Item{URI: "https://example.com/1", Text: "Title: hello\n\nbody"},
		RelevanceScore: 0.9,
		Summary:        "hello: body",
	})

	first := &collectSink{}
	second := &collectSink{}
	o := New(newFakeStore(), registry, defaultChain(), []digest.Sink{first, second}, time.Second)

	if emitted := o.Sweep(ctx, time.Now()); emitted != 1 {
		t.Fatalf("Sweep() = %d, want 1", emitted)
	}
	if len(first.outputs) != 1 || len(second.outputs) != 1 {
		t.Errorf("sink deliveries = %d/%d, want 1/1", len(first.outputs), len(second.outputs))
	}
	if got := o.GetStats().Digests; got != 1 {
		t.Errorf("digest counter = %d, want 1", got)
	}
}

func TestDailyBucketMaturity(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	registry := aggregate.NewRegistry(nil)
	registry.Create(ctx, "u1", aggregate.Config{Kind: aggregate.KindDaily, MaxItems: 50})

	sink := &collectSink{}
	o := New(newFakeStore(), registry, defaultChain(), []digest.Sink{sink}, time.Second)

	registry.AddItem("u1", process.ProcessedItem{Item: ingest.Item{URI: "u", Text: "Title: t\n\nb"}})
	if emitted := o.Sweep(ctx, start); emitted != 1 {
		t.Fatalf("first emit = %d, want immediate", emitted)
	}

	// 12 more items over the next 6 hours; the bucket is not mature yet.
	for i := 0; i < 12; i++ {
		registry.AddItem("u1", process.ProcessedItem{Item: ingest.Item{URI: "u", Text: "Title: t\n\nb"}})
	}
	if emitted := o.Sweep(ctx, start.Add(6*time.Hour)); emitted != 0 {
		t.Fatalf("6h sweep emitted %d, want 0", emitted)
	}
	if emitted := o.Sweep(ctx, start.Add(25*time.Hour)); emitted != 1 {
		t.Fatalf("24h sweep emitted %d, want 1", emitted)
	}
	last := sink.outputs[len(sink.outputs)-1]
	if last.Metadata.ItemsCount != 12 {
		t.Errorf("matured digest carried %d items, want 12", last.Metadata.ItemsCount)
	}

	agg, _ := registry.Get("u1")
	if agg.Len() != 0 {
		t.Error("buffer must clear after emit")
	}
}

func TestStartStopSweeper(t *testing.T) {
	registry := aggregate.NewRegistry(nil)
	o := New(newFakeStore(), registry, defaultChain(), nil, 10*time.Millisecond)

	o.Start()
	o.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	o.Stop()
	o.Stop() // idempotent
}
