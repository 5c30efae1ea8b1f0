// Package scheduler decides when each source is pulled. It runs a
// cooperative tick loop that selects due sources from the state store and
// dispatches them to a bounded worker pool, serializing attempts per source.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/feed-digest/internal/config"
	"github.com/ignite/feed-digest/internal/ingest"
)

// SourceStore is the slice of the state store the scheduler needs.
type SourceStore interface {
	ListDueSources(ctx context.Context, now time.Time, limit int) ([]ingest.Source, error)
	ListActiveSources(ctx context.Context) ([]ingest.Source, error)
	RecordFailure(ctx context.Context, id uuid.UUID, fetchErr error, at time.Time) error
}

// FetchHandler consumes successful fetch results. The pipeline implements
// it: persist items, fan out to users, append to aggregators.
type FetchHandler interface {
	HandleFetch(ctx context.Context, src ingest.Source, result *ingest.FetchResult) error
}

// Scheduler runs background polling of all registered sources.
type Scheduler struct {
	store    SourceStore
	handler  FetchHandler
	fetchers map[ingest.SourceKind]ingest.Fetcher

	// Configuration
	tickPeriod    time.Duration
	batchSize     int
	maxConcurrent int
	shutdownGrace time.Duration

	// Stats
	totalTicks   int64
	totalFetches int64
	totalItems   int64
	totalErrors  int64

	// Control
	loopCtx     context.Context
	cancelLoop  context.CancelFunc
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.RWMutex
	running     bool

	// Per-source serialization
	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]struct{}
}

// New creates a scheduler over the given store, fetchers, and result handler.
func New(store SourceStore, handler FetchHandler, fetchers map[ingest.SourceKind]ingest.Fetcher, cfg config.SchedConfig) *Scheduler {
	if cfg.TickSeconds == 0 {
		cfg.TickSeconds = 5
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxConcurrentFetches == 0 {
		cfg.MaxConcurrentFetches = 8
	}
	if cfg.ShutdownGraceSeconds == 0 {
		cfg.ShutdownGraceSeconds = 10
	}
	return &Scheduler{
		store:         store,
		handler:       handler,
		fetchers:      fetchers,
		tickPeriod:    cfg.TickPeriod(),
		batchSize:     cfg.BatchSize,
		maxConcurrent: cfg.MaxConcurrentFetches,
		shutdownGrace: cfg.ShutdownGrace(),
		inFlight:      make(map[uuid.UUID]struct{}),
	}
}

// Start begins the scheduler background goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.loopCtx, s.cancelLoop = context.WithCancel(context.Background())
	s.fetchCtx, s.cancelFetch = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting with tick=%s, batch=%d, max_concurrent=%d",
		s.tickPeriod, s.batchSize, s.maxConcurrent)

	s.wg.Add(1)
	go s.tickLoop()
}

// Stop drains in-flight fetches within the grace period, then abandons the
// rest. Partial work past the deadline is discarded, not persisted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancelLoop()
	s.mu.Unlock()

	log.Println("[Scheduler] Stopping...")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		log.Printf("[Scheduler] Grace period %s expired, abandoning in-flight fetches", s.shutdownGrace)
		s.cancelFetch()
		<-done
	}
	s.cancelFetch()

	log.Printf("[Scheduler] Stopped. Stats: ticks=%d, fetches=%d, items=%d, errors=%d",
		atomic.LoadInt64(&s.totalTicks),
		atomic.LoadInt64(&s.totalFetches),
		atomic.LoadInt64(&s.totalItems),
		atomic.LoadInt64(&s.totalErrors))
}

// IsRunning returns whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats returns current scheduling counters.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"total_ticks":   atomic.LoadInt64(&s.totalTicks),
		"total_fetches": atomic.LoadInt64(&s.totalFetches),
		"total_items":   atomic.LoadInt64(&s.totalItems),
		"total_errors":  atomic.LoadInt64(&s.totalErrors),
	}
}

// TriggerNow bypasses dueness and fetches every active source once. Used by
// tests and operational tooling.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	sources, err := s.store.ListActiveSources(ctx)
	if err != nil {
		return err
	}
	s.dispatchBatch(ctx, sources)
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()

	// Sweep immediately on start
	s.sweepDue()

	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
			s.sweepDue()
		}
	}
}

// sweepDue pulls one batch of due sources and dispatches them.
func (s *Scheduler) sweepDue() {
	atomic.AddInt64(&s.totalTicks, 1)

	sources, err := s.store.ListDueSources(s.loopCtx, time.Now(), s.batchSize)
	if err != nil {
		if s.loopCtx.Err() == nil {
			log.Printf("[Scheduler] Due-source query error: %v", err)
		}
		return
	}
	if len(sources) == 0 {
		return
	}
	s.dispatchBatch(s.fetchCtx, sources)
}

// dispatchBatch runs fetches through the bounded pool and waits for the
// batch. Sources with an attempt already in flight are skipped so no source
// ever has two concurrent pulls.
func (s *Scheduler) dispatchBatch(ctx context.Context, sources []ingest.Source) {
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	for _, src := range sources {
		if !s.markInFlight(src.ID) {
			continue
		}
		select {
		case <-ctx.Done():
			s.clearInFlight(src.ID)
			wg.Wait()
			return
		case sem <- struct{}{}:
			wg.Add(1)
			s.wg.Add(1)
			go func(src ingest.Source) {
				defer wg.Done()
				defer s.wg.Done()
				defer s.clearInFlight(src.ID)
				defer func() { <-sem }()
				s.fetchOne(ctx, src)
			}(src)
		}
	}
	wg.Wait()
}

// fetchOne runs a single pull attempt and routes the outcome.
func (s *Scheduler) fetchOne(ctx context.Context, src ingest.Source) {
	fetcher, ok := s.fetchers[src.Kind]
	if !ok {
		s.recordFailure(ctx, src, &ingest.ConfigError{Reason: "no fetcher for kind " + string(src.Kind)})
		return
	}

	atomic.AddInt64(&s.totalFetches, 1)
	result, err := fetcher.Pull(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			// Abandoned at shutdown; nothing recorded.
			return
		}
		s.recordFailure(ctx, src, err)
		return
	}

	if err := s.handler.HandleFetch(ctx, src, result); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.recordFailure(ctx, src, err)
		return
	}
	atomic.AddInt64(&s.totalItems, int64(len(result.Items)))
}

func (s *Scheduler) recordFailure(ctx context.Context, src ingest.Source, fetchErr error) {
	atomic.AddInt64(&s.totalErrors, 1)
	log.Printf("[Scheduler] Fetch failed for %s source %s: %v", src.Kind, src.ID, fetchErr)
	if err := s.store.RecordFailure(ctx, src.ID, fetchErr, time.Now()); err != nil {
		log.Printf("[Scheduler] Could not record failure for %s: %v", src.ID, err)
	}
}

func (s *Scheduler) markInFlight(id uuid.UUID) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInFlight(id uuid.UUID) {
	s.inFlightMu.Lock()
	delete(s.inFlight, id)
	s.inFlightMu.Unlock()
}
