// Package aggregate buffers processed items per user in time-bucket
// aggregators and emits digest outputs when a bucket matures.
package aggregate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ignite/feed-digest/internal/process"
)

// Kind selects a bucket duration.
type Kind string

const (
	KindHourly Kind = "hourly"
	KindDaily  Kind = "daily"
	KindWeekly Kind = "weekly"
	KindCustom Kind = "custom"
)

// Duration returns the bucket duration for the kind; custom kinds use the
// configured value.
func (k Kind) Duration(custom time.Duration) time.Duration {
	switch k {
	case KindHourly:
		return time.Hour
	case KindDaily:
		return 24 * time.Hour
	case KindWeekly:
		return 168 * time.Hour
	default:
		return custom
	}
}

// Config parameterizes one user's aggregator.
type Config struct {
	Kind           Kind
	CustomDuration time.Duration // used only when Kind is custom
	MaxItems       int
}

// DefaultMaxItems bounds a bucket when no budget is configured.
const DefaultMaxItems = 100

// Output is one emitted digest.
type Output struct {
	UserID      string                  `json:"user_id"`
	Kind        Kind                    `json:"kind"`
	Items       []process.ProcessedItem `json:"items"`
	SummaryText string                  `json:"summary_text"`
	CreatedAt   time.Time               `json:"created_at"`
	Metadata    Metadata                `json:"metadata"`
}

// Metadata carries digest-level counters.
type Metadata struct {
	BucketDurationHours float64 `json:"bucket_duration_hours"`
	ItemsCount          int     `json:"items_count"`
}

// TimeBucketAggregator buffers items for one user and matures on a fixed
// period. Methods are safe for concurrent use.
type TimeBucketAggregator struct {
	mu       sync.Mutex
	userID   string
	kind     Kind
	duration time.Duration
	maxItems int
	lastEmit *time.Time
	buffer   []process.ProcessedItem
}

// NewTimeBucketAggregator builds an aggregator for one user.
func NewTimeBucketAggregator(userID string, cfg Config) *TimeBucketAggregator {
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &TimeBucketAggregator{
		userID:   userID,
		kind:     cfg.Kind,
		duration: cfg.Kind.Duration(cfg.CustomDuration),
		maxItems: maxItems,
	}
}

// AddItem appends to the buffer, evicting the oldest item when full.
func (a *TimeBucketAggregator) AddItem(item process.ProcessedItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) >= a.maxItems {
		a.buffer = a.buffer[1:]
	}
	a.buffer = append(a.buffer, item)
}

// Ready reports whether the bucket should emit at the given time: the
// buffer is non-empty and either nothing has been emitted yet or a full
// bucket duration has elapsed since the last emit.
func (a *TimeBucketAggregator) Ready(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return false
	}
	if a.lastEmit == nil {
		return true
	}
	return now.Sub(*a.lastEmit) >= a.duration
}

// Emit atomically moves the buffer into a digest output and stamps the emit
// instant. Emitting an empty bucket returns nil.
func (a *TimeBucketAggregator) Emit(now time.Time) *Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return nil
	}
	items := a.buffer
	a.buffer = nil
	a.lastEmit = &now

	return &Output{
		UserID:      a.userID,
		Kind:        a.kind,
		Items:       items,
		SummaryText: summaryText(items),
		CreatedAt:   now,
		Metadata: Metadata{
			BucketDurationHours: a.duration.Hours(),
			ItemsCount:          len(items),
		},
	}
}

// Requeue puts emitted items back at the front of the buffer and restores
// the prior emit instant, used when digest delivery fails so the next sweep
// retries. Oldest items are trimmed if newer arrivals overflow the budget.
func (a *TimeBucketAggregator) Requeue(items []process.ProcessedItem, lastEmit *time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(items, a.buffer...)
	if excess := len(a.buffer) - a.maxItems; excess > 0 {
		a.buffer = a.buffer[excess:]
	}
	a.lastEmit = lastEmit
}

// LastEmit returns the most recent emit instant, nil before the first emit.
func (a *TimeBucketAggregator) LastEmit() *time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastEmit == nil {
		return nil
	}
	t := *a.lastEmit
	return &t
}

// Reconfigure adjusts the bucket parameters in place, trimming the oldest
// buffered items if the new budget is smaller.
func (a *TimeBucketAggregator) Reconfigure(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kind = cfg.Kind
	a.duration = cfg.Kind.Duration(cfg.CustomDuration)
	if cfg.MaxItems > 0 {
		a.maxItems = cfg.MaxItems
	}
	if excess := len(a.buffer) - a.maxItems; excess > 0 {
		a.buffer = a.buffer[excess:]
	}
}

// Config returns the aggregator's current parameters.
func (a *TimeBucketAggregator) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Config{Kind: a.kind, CustomDuration: a.duration, MaxItems: a.maxItems}
}

// Len returns the current buffer size.
func (a *TimeBucketAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Snapshot returns the persisted view: buffer copy and last emit instant.
func (a *TimeBucketAggregator) Snapshot() ([]process.ProcessedItem, *time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := make([]process.ProcessedItem, len(a.buffer))
	copy(items, a.buffer)
	if a.lastEmit == nil {
		return items, nil
	}
	t := *a.lastEmit
	return items, &t
}

// Restore replaces the aggregator's state from a persisted snapshot.
func (a *TimeBucketAggregator) Restore(items []process.ProcessedItem, lastEmit *time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = items
	a.lastEmit = lastEmit
}

// summaryText enumerates up to the first 10 item titles with their URIs.
func summaryText(items []process.ProcessedItem) string {
	var b strings.Builder
	for i, item := range items {
		if i >= 10 {
			break
		}
		title := process.TitleLine(item.Item.Text)
		if title == "" {
			title = item.Item.Title
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, title, item.Item.URI)
	}
	return strings.TrimRight(b.String(), "\n")
}
