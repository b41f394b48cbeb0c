package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	"github.com/mediapulse-io/mediapulse/internal/core/normalize"
	"github.com/mediapulse-io/mediapulse/internal/core/partition"
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

// fakeFactStore is an in-memory FactStore keyed by the composite
// (interaction_id, event_date) identity, safe for the pipeline's
// parallel slice loaders.
type fakeFactStore struct {
	mu         sync.Mutex
	seq        int64
	rows       map[factKey]*v1.InteractionEvent
	partitions map[string]int

	failEnsure map[string]error
	failInsert map[string]error
}

type factKey struct {
	id   string
	date string
}

func newFakeFactStore() *fakeFactStore {
	return &fakeFactStore{
		rows:       make(map[factKey]*v1.InteractionEvent),
		partitions: make(map[string]int),
		failEnsure: make(map[string]error),
		failInsert: make(map[string]error),
	}
}

func (f *fakeFactStore) EnsurePartition(_ context.Context, key partition.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failEnsure[key.Name]; err != nil {
		return &storage.PartitionFault{Partition: key.Name, Err: err}
	}
	f.partitions[key.Name]++
	return nil
}

func (f *fakeFactStore) InsertBatch(_ context.Context, key partition.Key, events []*v1.InteractionEvent) (storage.BatchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failInsert[key.Name]; err != nil {
		return storage.BatchOutcome{}, err
	}

	var outcome storage.BatchOutcome
	for _, evt := range events {
		k := factKey{id: evt.InteractionID, date: evt.EventDate.Format("2006-01-02")}
		if _, exists := f.rows[k]; exists {
			outcome.Duplicates++
			continue
		}
		f.seq++
		evt.IngestSeq = f.seq
		f.rows[k] = evt
		outcome.Inserted++
	}
	return outcome, nil
}

func (f *fakeFactStore) FactsAfterCursor(context.Context, int64, int) ([]*v1.InteractionEvent, error) {
	return nil, nil
}

func (f *fakeFactStore) FactsByDateRange(context.Context, time.Time, time.Time, int64, int) ([]*v1.InteractionEvent, error) {
	return nil, nil
}

func newTestPipeline(t *testing.T, facts storage.FactStore, onCommit func()) *Pipeline {
	t.Helper()
	normalizer, err := normalize.New(normalize.Options{
		Timezone:       "UTC",
		InternalDomain: "news.example.com",
	})
	require.NoError(t, err)
	return NewPipeline(normalizer, facts, 4, onCommit)
}

func rawRecord(id, timestamp, pageURL string) *v1.RawRecord {
	timeSpent := 30.0
	return &v1.RawRecord{
		InteractionID:    id,
		UserID:           "u1",
		SessionID:        "s1",
		Timestamp:        timestamp,
		PageURL:          pageURL,
		Action:           "read",
		DeviceType:       "mobile",
		Referrer:         "https://www.google.com/search?q=news",
		TimeSpentSeconds: &timeSpent,
	}
}

func TestPipeline_LoadIsIdempotent(t *testing.T) {
	store := newFakeFactStore()
	pipeline := newTestPipeline(t, store, nil)

	batch := []*v1.RawRecord{
		rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
		rawRecord("a2", "2025-03-06T09:00:00Z", "https://news.example.com/sports/article-7"),
	}

	first, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 2, first.Accepted)
	require.Equal(t, 0, first.Duplicates)
	require.Empty(t, first.Rejected)

	second, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 0, second.Accepted)
	require.Equal(t, 2, second.Duplicates)
	require.Len(t, store.rows, 2)
	require.NotEqual(t, first.LoadID, second.LoadID)
}

func TestPipeline_ExactDuplicateInBatchCountedOnce(t *testing.T) {
	store := newFakeFactStore()
	pipeline := newTestPipeline(t, store, nil)

	// Same record twice, identical in every field.
	batch := []*v1.RawRecord{
		rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
		rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
	}

	result, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 1, result.Accepted)
	require.Equal(t, 1, result.Duplicates)
	require.Len(t, store.rows, 1)
}

func TestPipeline_SameIDDifferentMonthsAreDistinct(t *testing.T) {
	store := newFakeFactStore()
	pipeline := newTestPipeline(t, store, nil)

	// Identical interaction_id on both sides of a month boundary names
	// two distinct facts in two distinct partitions.
	batch := []*v1.RawRecord{
		rawRecord("a1", "2025-03-31T23:50:00Z", "https://news.example.com/technology/article-100"),
		rawRecord("a1", "2025-04-01T00:10:00Z", "https://news.example.com/technology/article-100"),
	}

	result, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 2, result.Accepted)
	require.Equal(t, 0, result.Duplicates)
	require.Len(t, store.rows, 2)
	require.Contains(t, store.partitions, "interactions_y2025m03")
	require.Contains(t, store.partitions, "interactions_y2025m04")
}

func TestPipeline_RejectionsDoNotAbortBatch(t *testing.T) {
	store := newFakeFactStore()
	pipeline := newTestPipeline(t, store, nil)

	bad := rawRecord("bad", "not-a-timestamp", "https://news.example.com/sports/article-7")
	missing := rawRecord("", "2025-03-05T10:00:00Z", "")
	good := rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100")

	result, err := pipeline.Load(context.Background(), []*v1.RawRecord{bad, missing, good})
	require.NoError(t, err)
	require.Equal(t, 1, result.Accepted)
	require.Len(t, result.Rejected, 2)
	require.Equal(t, 0, result.Rejected[0].Index)
	require.Contains(t, result.Rejected[0].Reason, "timestamp")
	require.Equal(t, 1, result.Rejected[1].Index)
	require.Contains(t, result.Rejected[1].Reason, "page_url")
	require.Len(t, store.rows, 1)
}

func TestPipeline_PartitionFaultAbortsOnlyItsSlice(t *testing.T) {
	store := newFakeFactStore()
	store.failEnsure["interactions_y2025m04"] = errors.New("storage fault")
	pipeline := newTestPipeline(t, store, nil)

	batch := []*v1.RawRecord{
		rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
		rawRecord("a2", "2025-04-02T08:00:00Z", "https://news.example.com/sports/article-7"),
	}

	result, err := pipeline.Load(context.Background(), batch)
	require.Error(t, err)

	var fault *storage.PartitionFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "interactions_y2025m04", fault.Partition)

	// The March slice committed; only the April slice needs a retry.
	require.Equal(t, 1, result.Accepted)
	require.Len(t, store.rows, 1)

	// Retrying the whole batch after the fault clears converges.
	delete(store.failEnsure, "interactions_y2025m04")
	retry, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 1, retry.Accepted)
	require.Equal(t, 1, retry.Duplicates)
	require.Len(t, store.rows, 2)
}

func TestPipeline_OnCommitFiresOnlyWhenFactsLand(t *testing.T) {
	store := newFakeFactStore()
	var notified int
	pipeline := newTestPipeline(t, store, func() { notified++ })

	batch := []*v1.RawRecord{
		rawRecord("a1", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
	}

	_, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 1, notified)

	// Resubmission inserts nothing, so the engine is not poked.
	_, err = pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 1, notified)
}

func TestPipeline_DerivedIdentityIsStableAcrossLoads(t *testing.T) {
	store := newFakeFactStore()
	pipeline := newTestPipeline(t, store, nil)

	// No client-supplied interaction_id: identity is derived from the
	// stable fields, so resubmission still deduplicates.
	batch := []*v1.RawRecord{
		rawRecord("", "2025-03-05T14:30:00Z", "https://news.example.com/technology/article-100"),
	}

	first, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 1, first.Accepted)

	second, err := pipeline.Load(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 0, second.Accepted)
	require.Equal(t, 1, second.Duplicates)
}
