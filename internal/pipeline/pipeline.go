// Package pipeline wires fetch results through persistence, per-user
// processing, and aggregation, and sweeps matured buckets into digest sinks.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/feed-digest/internal/aggregate"
	"github.com/ignite/feed-digest/internal/digest"
	"github.com/ignite/feed-digest/internal/ingest"
	"github.com/ignite/feed-digest/internal/mailbox"
	"github.com/ignite/feed-digest/internal/pkg/logger"
	"github.com/ignite/feed-digest/internal/process"
)

// Store is the slice of the state store the orchestrator needs.
type Store interface {
	StoreItems(ctx context.Context, r *ingest.FetchResult) ([]ingest.Item, error)
	RecordSync(ctx context.Context, emailAddress string, at time.Time) error
	GetPreferences(ctx context.Context, userID string) (*ingest.Preferences, error)
}

// Orchestrator consumes fetch results from the scheduler: it persists the
// items, advances mailbox sync cursors, runs every registered user's
// processing chain over the new items, and appends survivors to that user's
// aggregator. A background sweeper emits matured buckets into the sinks.
type Orchestrator struct {
	store    Store
	registry *aggregate.Registry
	stages   process.Chain
	sinks    []digest.Sink

	sweepPeriod time.Duration

	totalResults int64
	totalStored  int64
	totalDigests int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New builds an orchestrator. The stage chain is shared across users; the
// per-user context travels in the processing input.
func New(store Store, registry *aggregate.Registry, stages process.Chain, sinks []digest.Sink, sweepPeriod time.Duration) *Orchestrator {
	if sweepPeriod <= 0 {
		sweepPeriod = 30 * time.Second
	}
	return &Orchestrator{
		store:       store,
		registry:    registry,
		stages:      stages,
		sinks:       sinks,
		sweepPeriod: sweepPeriod,
	}
}

// HandleFetch persists a fetch result and fans the newly stored items out to
// every registered user. Items the store already held are not fanned out
// again, so an overlapping re-fetch never duplicates aggregator entries.
// Persistence failure is returned to the scheduler so the source cursor does
// not advance; fan-out failures only log, the items are already durable.
func (o *Orchestrator) HandleFetch(ctx context.Context, src ingest.Source, result *ingest.FetchResult) error {
	atomic.AddInt64(&o.totalResults, 1)

	newItems, err := o.store.StoreItems(ctx, result)
	if err != nil {
		return fmt.Errorf("persist items for source %s: %w", src.ID, err)
	}
	atomic.AddInt64(&o.totalStored, int64(len(newItems)))

	// Mailbox cursors advance only after the items are durable.
	if src.Kind == ingest.SourceIMAP {
		o.advanceSync(ctx, src, result.FetchedAt)
	}

	if len(newItems) == 0 {
		return nil
	}
	o.fanOut(ctx, newItems)
	return nil
}

func (o *Orchestrator) advanceSync(ctx context.Context, src ingest.Source, at time.Time) {
	cfg, err := mailbox.ParseSourceURI(src.URI)
	if err != nil || cfg.User == "" {
		return
	}
	if err := o.store.RecordSync(ctx, cfg.User, at); err != nil {
		// The next poll re-reads from the old cursor; duplicates are
		// absorbed by the item store.
		log.Printf("[Pipeline] Could not advance sync cursor for %s: %v",
			logger.RedactEmail(cfg.User), err)
	}
}

func (o *Orchestrator) fanOut(ctx context.Context, items []ingest.Item) {
	for _, userID := range o.registry.ListUsers() {
		prefs, err := o.store.GetPreferences(ctx, userID)
		if err != nil {
			log.Printf("[Pipeline] Could not load preferences for user %s: %v", userID, err)
			continue
		}
		out, err := o.stages.Run(ctx, process.ProcessingInput{
			Items:       process.WrapItems(items),
			Preferences: prefs,
		})
		if err != nil {
			log.Printf("[Pipeline] Processing chain failed for user %s: %v", userID, err)
			continue
		}
		for _, item := range out.Items {
			if err := o.registry.AddItem(userID, item); err != nil {
				log.Printf("[Pipeline] Could not buffer item for user %s: %v", userID, err)
				break
			}
		}
	}
}

// Start launches the emit sweeper.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	log.Printf("[Pipeline] Starting emit sweeper with period=%s", o.sweepPeriod)
	o.wg.Add(1)
	go o.sweepLoop()
}

// Stop halts the sweeper after a final sweep so matured buckets are not
// stranded across a restart.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()

	o.wg.Wait()
	log.Printf("[Pipeline] Stopped. results=%d stored=%d digests=%d",
		atomic.LoadInt64(&o.totalResults),
		atomic.LoadInt64(&o.totalStored),
		atomic.LoadInt64(&o.totalDigests))
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Sweep(o.ctx, time.Now())
		case <-o.ctx.Done():
			// Final sweep with a fresh context; the loop one is gone.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			o.Sweep(ctx, time.Now())
			cancel()
			return
		}
	}
}

// Sweep emits every matured bucket into the sinks and returns the digest
// count. Exported so tests and the trigger path can run it on demand.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) int {
	emitted := o.registry.ForEachReadyEmit(ctx, now, func(out *aggregate.Output) error {
		for _, sink := range o.sinks {
			if err := sink.Deliver(ctx, out); err != nil {
				return err
			}
		}
		return nil
	})
	if emitted > 0 {
		atomic.AddInt64(&o.totalDigests, int64(emitted))
		log.Printf("[Pipeline] Emitted %d digest(s)", emitted)
	}
	return emitted
}

// Stats reports orchestrator counters.
type Stats struct {
	Results int64
	Stored  int64
	Digests int64
}

// GetStats returns a snapshot of the counters.
func (o *Orchestrator) GetStats() Stats {
	return Stats{
		Results: atomic.LoadInt64(&o.totalResults),
		Stored:  atomic.LoadInt64(&o.totalStored),
		Digests: atomic.LoadInt64(&o.totalDigests),
	}
}
