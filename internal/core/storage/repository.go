package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	"github.com/mediapulse-io/mediapulse/internal/core/aggregate"
	"github.com/mediapulse-io/mediapulse/internal/core/partition"
)

// ErrNotFound is returned by keyed aggregate lookups with no match.
var ErrNotFound = errors.New("entity not found")

// PartitionFault is a batch-level, retryable failure: the partition
// could not be created or located for a reason other than "already
// exists". The affected partition's slice of the batch is aborted and
// safe to resubmit.
type PartitionFault struct {
	Partition string
	Err       error
}

func (f *PartitionFault) Error() string {
	return fmt.Sprintf("partition %s: %v", f.Partition, f.Err)
}

func (f *PartitionFault) Unwrap() error { return f.Err }

// BatchOutcome reports one partition slice's write result. Duplicates
// are rows whose (interaction_id, event_date) key already existed;
// they are skipped, never an error.
type BatchOutcome struct {
	Inserted   int
	Duplicates int
}

// FactStore owns the append-only fact rows. Nothing else writes them.
type FactStore interface {
	// EnsurePartition creates the partition covering key if absent,
	// including its secondary indexes. Losing a creation race is
	// success; any other failure is a *PartitionFault.
	EnsurePartition(ctx context.Context, key partition.Key) error

	// InsertBatch writes one partition's slice of a batch in a single
	// transaction with insert-or-ignore semantics, populating IngestSeq
	// on each newly inserted event. Either every non-duplicate row in
	// the slice becomes visible or none do.
	InsertBatch(ctx context.Context, key partition.Key, events []*v1.InteractionEvent) (BatchOutcome, error)

	// FactsAfterCursor fetches committed facts with ingest_seq > cursor
	// in strict total order. cursor=0 means "from the beginning".
	FactsAfterCursor(ctx context.Context, cursor int64, limit int) ([]*v1.InteractionEvent, error)

	// FactsByDateRange fetches up to limit facts with from <=
	// event_date < to and ingest_seq > afterSeq, ordered by ingest_seq.
	// Recompute pages through a range by feeding the last seq back in.
	FactsByDateRange(ctx context.Context, from, to time.Time, afterSeq int64, limit int) ([]*v1.InteractionEvent, error)
}

// AggregateStore owns every dimension and rollup entity. The flush and
// the checkpoint cursor are written in one transaction: "cursor N means
// the aggregates include every fact up to ingest_seq N, and none after".
type AggregateStore interface {
	// ReadCheckpoint returns the durable sweep cursor, 0 if none yet.
	ReadCheckpoint(ctx context.Context) (int64, error)

	// FlushDelta applies a folded delta to all aggregate entities and
	// advances the checkpoint to cursor, atomically. A cursor at or
	// behind the durable one makes the flush a no-op (stale retry).
	FlushDelta(ctx context.Context, delta *aggregate.DeltaState, cursor int64) error

	// RebuildRollups replaces every day-scoped rollup with from <=
	// date < to by the given delta, in one transaction. The checkpoint
	// is untouched; profiles are not day-scoped and are left alone.
	RebuildRollups(ctx context.Context, delta *aggregate.DeltaState, from, to time.Time) error

	// CloseIdleSessions finalizes open sessions whose last event is
	// older than the threshold. Returns the number closed.
	CloseIdleSessions(ctx context.Context, olderThan time.Time) (int64, error)
}

// AggregateReader serves the read-only reporting surface.
type AggregateReader interface {
	UserProfile(ctx context.Context, userID string) (*v1.UserProfile, error)
	ContentProfile(ctx context.Context, articleID string) (*v1.ContentProfile, error)
	SessionProfile(ctx context.Context, sessionID string) (*v1.SessionProfile, error)
	DailyAggregates(ctx context.Context, from, to time.Time) ([]*v1.DailyAggregate, error)
	ArticleAggregatesByDate(ctx context.Context, date time.Time) ([]*v1.ArticleDailyAggregate, error)
}
