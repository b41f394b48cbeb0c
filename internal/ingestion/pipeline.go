package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	"github.com/mediapulse-io/mediapulse/internal/core/normalize"
	"github.com/mediapulse-io/mediapulse/internal/core/partition"
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

// Pipeline turns raw records into committed facts: normalize, group by
// month partition, ensure each partition, write each partition's slice
// in its own transaction. Slices for different partitions load in
// parallel; a slice that fails aborts alone and is safe to resubmit.
type Pipeline struct {
	normalizer *normalize.Normalizer
	facts      storage.FactStore
	workers    int

	// onCommit fires after at least one fact became durable. The
	// aggregation engine hooks its sweep trigger here.
	onCommit func()
}

func NewPipeline(normalizer *normalize.Normalizer, facts storage.FactStore, workers int, onCommit func()) *Pipeline {
	if normalizer == nil {
		panic("ingestion: normalizer must not be nil")
	}
	if facts == nil {
		panic("ingestion: fact store must not be nil")
	}
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		normalizer: normalizer,
		facts:      facts,
		workers:    workers,
		onCommit:   onCommit,
	}
}

// Load runs one batch end to end. Record-level failures are reported in
// the result, never abort the batch. The returned error is non-nil only
// when one or more partition slices failed; the counts then cover the
// slices that did commit, and resubmitting the whole batch is safe
// because already-loaded rows count as duplicates.
func (p *Pipeline) Load(ctx context.Context, records []*v1.RawRecord) (*v1.LoadResult, error) {
	result := &v1.LoadResult{LoadID: uuid.NewString()}

	events := make([]*v1.InteractionEvent, 0, len(records))
	for i, raw := range records {
		evt, err := p.normalizer.Normalize(raw)
		if err != nil {
			result.Rejected = append(result.Rejected, v1.RejectedRecord{Index: i, Reason: err.Error()})
			continue
		}
		events = append(events, evt)
	}

	slices := groupByPartition(events)

	var (
		mu       sync.Mutex
		loadErrs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, slice := range slices {
		slice := slice
		g.Go(func() error {
			if err := p.facts.EnsurePartition(gctx, slice.key); err != nil {
				mu.Lock()
				loadErrs = append(loadErrs, err)
				mu.Unlock()
				return nil
			}

			outcome, err := p.facts.InsertBatch(gctx, slice.key, slice.events)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				loadErrs = append(loadErrs, err)
				return nil
			}
			result.Accepted += outcome.Inserted
			result.Duplicates += outcome.Duplicates
			return nil
		})
	}

	// Slice faults are collected, not propagated, so one bad partition
	// never cancels its siblings.
	_ = g.Wait()

	if result.Accepted > 0 && p.onCommit != nil {
		p.onCommit()
	}

	slog.Info("[Ingestion] Batch loaded",
		"load_id", result.LoadID,
		"records", len(records),
		"accepted", result.Accepted,
		"duplicates", result.Duplicates,
		"rejected", len(result.Rejected),
		"partitions", len(slices),
		"failed_slices", len(loadErrs))

	return result, errors.Join(loadErrs...)
}

type partitionSlice struct {
	key    partition.Key
	events []*v1.InteractionEvent
}

// groupByPartition splits a batch into per-month slices in a stable
// order so logs and tests see deterministic slice boundaries.
func groupByPartition(events []*v1.InteractionEvent) []partitionSlice {
	grouped := make(map[string]*partitionSlice)
	for _, evt := range events {
		key := partition.For(evt.EventDate)
		slice, ok := grouped[key.Name]
		if !ok {
			slice = &partitionSlice{key: key}
			grouped[key.Name] = slice
		}
		slice.events = append(slice.events, evt)
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]partitionSlice, 0, len(names))
	for _, name := range names {
		out = append(out, *grouped[name])
	}
	return out
}
