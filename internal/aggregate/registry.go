package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ignite/feed-digest/internal/process"
	"github.com/ignite/feed-digest/internal/store"
)

// StateStore persists aggregator snapshots across restarts. Implemented by
// the Postgres store; nil disables persistence.
type StateStore interface {
	SaveAggregatorState(ctx context.Context, rec *store.AggregatorRecord) error
	ListAggregatorStates(ctx context.Context) ([]store.AggregatorRecord, error)
	DeleteAggregatorState(ctx context.Context, userID string) error
}

// Registry holds one aggregator per user. The registry map has a coarse
// lock; each aggregator carries its own lock. The two are never held at the
// same time in opposite orders.
type Registry struct {
	mu   sync.RWMutex
	aggs map[string]*TimeBucketAggregator

	states StateStore
}

// NewRegistry builds an empty registry. states may be nil for tests.
func NewRegistry(states StateStore) *Registry {
	return &Registry{
		aggs:   make(map[string]*TimeBucketAggregator),
		states: states,
	}
}

// Create registers an aggregator for the user. Creating an existing user
// replaces their aggregator and drops its buffer.
func (r *Registry) Create(ctx context.Context, userID string, cfg Config) error {
	agg := NewTimeBucketAggregator(userID, cfg)
	r.mu.Lock()
	r.aggs[userID] = agg
	r.mu.Unlock()
	return r.persist(ctx, userID, agg)
}

// CreateBulk registers many users with the same configuration.
func (r *Registry) CreateBulk(ctx context.Context, userIDs []string, cfg Config) error {
	for _, userID := range userIDs {
		if err := r.Create(ctx, userID, cfg); err != nil {
			return fmt.Errorf("create aggregator for %s: %w", userID, err)
		}
	}
	return nil
}

// Configure updates an existing user's aggregator in place, keeping its
// buffered items.
func (r *Registry) Configure(ctx context.Context, userID string, cfg Config) error {
	agg, ok := r.Get(userID)
	if !ok {
		return fmt.Errorf("no aggregator for user %s", userID)
	}
	agg.Reconfigure(cfg)
	return r.persist(ctx, userID, agg)
}

// Remove unregisters a user and deletes their snapshot. Buffered items are
// discarded.
func (r *Registry) Remove(ctx context.Context, userID string) error {
	r.mu.Lock()
	delete(r.aggs, userID)
	r.mu.Unlock()
	if r.states == nil {
		return nil
	}
	return r.states.DeleteAggregatorState(ctx, userID)
}

// Get returns a user's aggregator.
func (r *Registry) Get(userID string) (*TimeBucketAggregator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg, ok := r.aggs[userID]
	return agg, ok
}

// ListUsers returns all registered user ids, sorted.
func (r *Registry) ListUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.aggs))
	for userID := range r.aggs {
		users = append(users, userID)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// AddItem appends an item to a user's bucket.
func (r *Registry) AddItem(userID string, item process.ProcessedItem) error {
	agg, ok := r.Get(userID)
	if !ok {
		return fmt.Errorf("no aggregator for user %s", userID)
	}
	agg.AddItem(item)
	return nil
}

// ForEachReadyEmit emits every mature bucket into the sink and returns how
// many digests were produced. A sink or persistence error for one user is
// logged and does not block the others; a failed delivery puts the items
// back so the next sweep retries them.
func (r *Registry) ForEachReadyEmit(ctx context.Context, now time.Time, sink func(*Output) error) int {
	emitted := 0
	for _, userID := range r.ListUsers() {
		agg, ok := r.Get(userID)
		if !ok {
			continue
		}
		if !agg.Ready(now) {
			continue
		}
		prevEmit := agg.LastEmit()
		output := agg.Emit(now)
		if output == nil {
			continue
		}
		if err := sink(output); err != nil {
			log.Printf("[Aggregate] Digest sink failed for user %s, requeueing %d item(s): %v",
				userID, len(output.Items), err)
			agg.Requeue(output.Items, prevEmit)
			continue
		}
		emitted++
		if err := r.persist(ctx, userID, agg); err != nil {
			log.Printf("[Aggregate] Could not persist state for user %s: %v", userID, err)
		}
	}
	return emitted
}

// Stats summarizes the registry.
type Stats struct {
	Users         int
	BufferedItems int
}

// GetStats returns registry-wide counters.
func (r *Registry) GetStats() Stats {
	var st Stats
	for _, userID := range r.ListUsers() {
		if agg, ok := r.Get(userID); ok {
			st.Users++
			st.BufferedItems += agg.Len()
		}
	}
	return st
}

// Restore rebuilds the registry from persisted snapshots, called at startup.
func (r *Registry) Restore(ctx context.Context) error {
	if r.states == nil {
		return nil
	}
	records, err := r.states.ListAggregatorStates(ctx)
	if err != nil {
		return fmt.Errorf("restore aggregators: %w", err)
	}
	for _, rec := range records {
		var items []process.ProcessedItem
		if len(rec.Buffer) > 0 {
			if err := json.Unmarshal(rec.Buffer, &items); err != nil {
				log.Printf("[Aggregate] Dropping unreadable buffer for user %s: %v", rec.UserID, err)
				items = nil
			}
		}
		agg := NewTimeBucketAggregator(rec.UserID, Config{
			Kind:           Kind(rec.Bucket),
			CustomDuration: time.Duration(rec.BucketSeconds) * time.Second,
			MaxItems:       rec.MaxItems,
		})
		agg.Restore(items, rec.LastEmitAt)

		r.mu.Lock()
		r.aggs[rec.UserID] = agg
		r.mu.Unlock()
	}
	return nil
}

// SaveAll persists every aggregator, used at shutdown.
func (r *Registry) SaveAll(ctx context.Context) error {
	for _, userID := range r.ListUsers() {
		agg, ok := r.Get(userID)
		if !ok {
			continue
		}
		if err := r.persist(ctx, userID, agg); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, userID string, agg *TimeBucketAggregator) error {
	if r.states == nil {
		return nil
	}
	items, lastEmit := agg.Snapshot()
	buf, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode buffer for %s: %w", userID, err)
	}
	cfg := agg.Config()
	return r.states.SaveAggregatorState(ctx, &store.AggregatorRecord{
		UserID:        userID,
		Bucket:        string(cfg.Kind),
		BucketSeconds: int64(cfg.Kind.Duration(cfg.CustomDuration) / time.Second),
		MaxItems:      cfg.MaxItems,
		LastEmitAt:    lastEmit,
		Buffer:        buf,
	})
}
