package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	"github.com/mediapulse-io/mediapulse/internal/core/aggregate"
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

const (
	defaultBatchSize     = 50000
	defaultWorkerCount   = 8
	defaultSweepInterval = 30 * time.Second
	defaultInactivity    = 30 * time.Minute

	// maxConsecutiveBatches caps one drain so a storm of ingestion
	// cannot starve the scheduler loop. The next trigger resumes.
	maxConsecutiveBatches = 100
)

// SweepParameter controls throughput for the incremental sweep.
type SweepParameter struct {
	BatchSize         int
	WorkerCount       int
	SweepInterval     time.Duration
	SessionInactivity time.Duration
}

// DefaultSweepOptions returns safe defaults for cron-based processing.
func DefaultSweepOptions() SweepParameter {
	return SweepParameter{
		BatchSize:         defaultBatchSize,
		WorkerCount:       defaultWorkerCount,
		SweepInterval:     defaultSweepInterval,
		SessionInactivity: defaultInactivity,
	}
}

func (o SweepParameter) normalized() SweepParameter {
	n := o
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.SweepInterval <= 0 {
		n.SweepInterval = defaultSweepInterval
	}
	if n.SessionInactivity <= 0 {
		n.SessionInactivity = defaultInactivity
	}
	return n
}

// Engine keeps the dimension and rollup entities consistent with the
// committed fact store. It is stateless between sweeps: each sweep
// independently reads the durable checkpoint, folds the facts after it,
// and flushes delta plus advanced checkpoint in one transaction, so a
// crashed or duplicated sweep can only re-fold facts the checkpoint
// still excludes.
type Engine struct {
	facts  storage.FactStore
	aggs   storage.AggregateStore
	opts   SweepParameter
	notify chan struct{}
}

func NewEngine(facts storage.FactStore, aggs storage.AggregateStore, opts SweepParameter) *Engine {
	if facts == nil {
		panic("aggregation: fact store must not be nil")
	}
	if aggs == nil {
		panic("aggregation: aggregate store must not be nil")
	}
	return &Engine{
		facts:  facts,
		aggs:   aggs,
		opts:   opts.normalized(),
		notify: make(chan struct{}, 1),
	}
}

// Notify pokes the engine after a commit. Non-blocking: a poke while a
// sweep is already pending coalesces into it.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Run drives the engine until the context is cancelled: periodic cron
// sweeps bound the aggregate lag, commit notifications cut it short,
// and idle sessions are closed on the same schedule. A final drain on
// shutdown flushes whatever the last trigger left behind.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("[Engine] Starting aggregation engine",
		"sweep_interval", e.opts.SweepInterval,
		"batch_size", e.opts.BatchSize,
		"workers", e.opts.WorkerCount,
		"session_inactivity", e.opts.SessionInactivity)

	ticks := make(chan struct{}, 1)
	schedule := cron.New()
	_, err := schedule.AddFunc("@every "+e.opts.SweepInterval.String(), func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	_, err = schedule.AddFunc("@every "+e.opts.SessionInactivity.String(), func() {
		closeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := e.CloseSessions(closeCtx); err != nil {
			slog.Error("[Engine] Session close failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule session close: %w", err)
	}
	schedule.Start()
	defer schedule.Stop()

	// Catch up with any backlog left by a previous run.
	e.drainBacklog(ctx)

	for {
		select {
		case <-e.notify:
			e.drainBacklog(ctx)
		case <-ticks:
			e.drainBacklog(ctx)
		case <-ctx.Done():
			slog.Info("[Engine] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Engine] Running final drain before shutdown...")
			e.drainBacklog(shutdownCtx)
			slog.Info("[Engine] Final drain complete")

			return nil
		}
	}
}

// drainBacklog sweeps until the backlog is empty so burst ingestion
// cannot leave aggregates unboundedly stale.
func (e *Engine) drainBacklog(ctx context.Context) {
	batchCount := 0

	for batchCount < maxConsecutiveBatches {
		select {
		case <-ctx.Done():
			slog.Info("[Engine] Drain interrupted by context cancellation",
				"batches_processed", batchCount)
			return
		default:
		}

		processed, err := e.Sweep(ctx)
		if err != nil {
			slog.Error("[Engine] Sweep failed",
				"error", err,
				"batch_number", batchCount+1)
			return
		}

		batchCount++

		if processed < e.opts.BatchSize {
			if batchCount > 1 {
				slog.Info("[Engine] Backlog drained", "total_batches", batchCount)
			}
			return
		}

		slog.Info("[Engine] Backlog detected, continuing to drain",
			"batches_so_far", batchCount)
	}

	slog.Warn("[Engine] Max consecutive batches reached, pausing drain",
		"max_batches", maxConsecutiveBatches,
		"note", "Will resume on next trigger")
}

// Sweep folds one batch of facts past the durable checkpoint into the
// aggregates. Returns the number of facts processed; fewer than the
// batch size means the backlog is drained.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	cursor, err := e.aggs.ReadCheckpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	events, err := e.facts.FactsAfterCursor(ctx, cursor, e.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query facts: %w", err)
	}

	if len(events) == 0 {
		slog.Debug("[Engine] No new facts to process", "cursor", cursor)
		return 0, nil
	}

	delta := foldConcurrently(events, e.opts.WorkerCount)

	newCursor := events[len(events)-1].IngestSeq
	if err := e.aggs.FlushDelta(ctx, delta, newCursor); err != nil {
		return 0, fmt.Errorf("flush delta: %w", err)
	}

	slog.Info("[Engine] Sweep complete",
		"events_processed", len(events),
		"users", len(delta.Users),
		"sessions", len(delta.Sessions),
		"days", len(delta.Days),
		"cursor_advanced", fmt.Sprintf("%d -> %d", cursor, newCursor))

	return len(events), nil
}

// Recompute rebuilds every day-scoped rollup with from <= event_date <
// to directly from the fact store, replacing whatever incremental state
// those days held. Lifetime profiles and the sweep checkpoint are
// untouched: recompute is a repair tool for a date range, not a replay.
func (e *Engine) Recompute(ctx context.Context, from, to time.Time) error {
	if !to.After(from) {
		return fmt.Errorf("recompute: empty range [%s, %s)",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	// Page through the range by ingest_seq so a range holding more
	// facts than one fetch never rebuilds from a truncated fold.
	delta := aggregate.NewDeltaState()
	var afterSeq int64
	total := 0
	for {
		events, err := e.facts.FactsByDateRange(ctx, from, to, afterSeq, e.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("recompute: query facts: %w", err)
		}
		if len(events) == 0 {
			break
		}

		delta.Merge(foldConcurrently(events, e.opts.WorkerCount))
		total += len(events)
		afterSeq = events[len(events)-1].IngestSeq

		if len(events) < e.opts.BatchSize {
			break
		}
	}

	if err := e.aggs.RebuildRollups(ctx, delta, from, to); err != nil {
		return fmt.Errorf("recompute: rebuild: %w", err)
	}

	slog.Info("[Engine] Recompute complete",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"events", total)
	return nil
}

// CloseSessions finalizes sessions idle past the configured threshold.
func (e *Engine) CloseSessions(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-e.opts.SessionInactivity)
	return e.aggs.CloseIdleSessions(ctx, cutoff)
}

// foldConcurrently folds a batch into per-key deltas across workers and
// merges the partial results. Folding and merging are commutative, so
// the chunking is free to ignore key boundaries.
func foldConcurrently(events []*v1.InteractionEvent, workers int) *aggregate.DeltaState {
	if workers <= 1 || len(events) < 2*workers {
		delta := aggregate.NewDeltaState()
		delta.FoldAll(events)
		return delta
	}

	chunkSize := (len(events) + workers - 1) / workers
	results := make(chan *aggregate.DeltaState, workers)

	chunks := 0
	for start := 0; start < len(events); start += chunkSize {
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]
		chunks++
		go func() {
			local := aggregate.NewDeltaState()
			local.FoldAll(chunk)
			results <- local
		}()
	}

	delta := aggregate.NewDeltaState()
	for i := 0; i < chunks; i++ {
		delta.Merge(<-results)
	}
	return delta
}
