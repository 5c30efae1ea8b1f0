package ingest

import (
	"strings"
	"time"
)

// Scheduling priorities. Higher runs first when multiple sources are due.
const (
	PriorityNeverFetched = 255
	PriorityNormal       = 150
	PriorityFailing      = 50
)

// Backoff doubles per consecutive error and is capped at 2^maxBackoffShift.
const maxBackoffShift = 5

// Default poll intervals for RSS sources, picked by URI class.
const (
	IntervalNews    = 15 * time.Minute
	IntervalBlog    = time.Hour
	IntervalGeneric = 30 * time.Minute

	// Mailbox sources poll fast; one consecutive error doubles this to a
	// minute, matching the mailbox watch pacing.
	IntervalMailbox = 30 * time.Second
)

// ParkInterval is how long a source sleeps after a configuration or
// authentication failure.
const ParkInterval = 5 * time.Minute

// Priority returns the scheduling priority for the source.
func (s Source) Priority() int {
	switch {
	case s.LastFetchAt == nil:
		return PriorityNeverFetched
	case s.ErrorCount > 0:
		return PriorityFailing
	default:
		return PriorityNormal
	}
}

// EffectiveInterval returns the configured base interval, or the default
// derived from the source kind and URI when none is set.
func (s Source) EffectiveInterval() time.Duration {
	if s.BaseInterval > 0 {
		return s.BaseInterval
	}
	if s.Kind == SourceIMAP {
		return IntervalMailbox
	}
	uri := strings.ToLower(s.URI)
	switch {
	case strings.Contains(uri, "news") || strings.Contains(uri, "breaking"):
		return IntervalNews
	case strings.Contains(uri, "blog") || strings.Contains(uri, "post"):
		return IntervalBlog
	default:
		return IntervalGeneric
	}
}

// NextFetchAt returns when the source is next eligible for a fetch. A source
// that has never been fetched is eligible immediately (zero time). The
// interval doubles per consecutive error, capped at 2^5.
func (s Source) NextFetchAt() time.Time {
	if s.LastFetchAt == nil {
		return time.Time{}
	}
	shift := s.ErrorCount
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	next := s.LastFetchAt.Add(s.EffectiveInterval() * (1 << shift))
	if s.ParkedUntil != nil && s.ParkedUntil.After(next) {
		return *s.ParkedUntil
	}
	return next
}

// DueAt reports whether the source is eligible for a fetch at the given time.
func (s Source) DueAt(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.ParkedUntil != nil && s.ParkedUntil.After(now) {
		return false
	}
	next := s.NextFetchAt()
	return next.IsZero() || !next.After(now)
}
