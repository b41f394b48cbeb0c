package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	"github.com/mediapulse-io/mediapulse/internal/core/partition"
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

func testEvent(id string, occurredAt time.Time) *v1.InteractionEvent {
	timeSpent := 30.0
	articleID := "article-100"
	eventDate := time.Date(occurredAt.Year(), occurredAt.Month(), occurredAt.Day(), 0, 0, 0, 0, time.UTC)
	return &v1.InteractionEvent{
		InteractionID:    id,
		UserID:           "user-1",
		SessionID:        "sess-1",
		OccurredAt:       occurredAt,
		EventDate:        eventDate,
		EventHour:        occurredAt.Hour(),
		EventDay:         occurredAt.Day(),
		EventMonth:       int(occurredAt.Month()),
		EventYear:        occurredAt.Year(),
		EventDayOfWeek:   (int(occurredAt.Weekday()) + 6) % 7,
		IsWeekend:        false,
		PageURL:          "https://news.example.com/technology/article-100",
		Action:           "read",
		DeviceType:       "mobile",
		Referrer:         "https://www.google.com/search",
		ContentCategory:  "technology",
		ArticleID:        &articleID,
		ReferrerCategory: "search",
		TimeSpentSeconds: &timeSpent,
	}
}

func insertFactArgs(evt *v1.InteractionEvent) []driver.Value {
	return []driver.Value{
		evt.InteractionID, evt.UserID, evt.SessionID, evt.OccurredAt, evt.EventDate,
		evt.EventHour, evt.EventDay, evt.EventMonth, evt.EventYear, evt.EventDayOfWeek, evt.IsWeekend,
		evt.PageURL, evt.Action, evt.DeviceType, evt.Referrer,
		evt.ContentCategory, nullString(evt.ArticleID), evt.ReferrerCategory,
		nullFloat(evt.TimeSpentSeconds), nullFloat(evt.ScrollDepth),
	}
}

func TestFactsAdapter_InsertBatch(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	occurredAt := time.Date(2025, 3, 5, 14, 30, 0, 0, time.UTC)
	key := partition.For(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))

	fresh := testEvent("evt-1", occurredAt)
	dup := testEvent("evt-2", occurredAt)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryAcquireIngestGateShared)).
		WithArgs(ingestGateLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(regexp.QuoteMeta(queryInsertFact))

	mock.ExpectQuery(regexp.QuoteMeta(queryInsertFact)).
		WithArgs(insertFactArgs(fresh)...).
		WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}).AddRow(int64(7)))

	mock.ExpectQuery(regexp.QuoteMeta(queryInsertFact)).
		WithArgs(insertFactArgs(dup)...).
		WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}))

	mock.ExpectCommit()

	outcome, err := adapter.InsertBatch(context.Background(), key, []*v1.InteractionEvent{fresh, dup})
	require.NoError(t, err)
	require.Equal(t, storage.BatchOutcome{Inserted: 1, Duplicates: 1}, outcome)
	require.Equal(t, int64(7), fresh.IngestSeq)
	require.Equal(t, int64(0), dup.IngestSeq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_InsertBatch_RollsBackOnFailure(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	occurredAt := time.Date(2025, 3, 5, 14, 30, 0, 0, time.UTC)
	key := partition.For(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))
	evt := testEvent("evt-1", occurredAt)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryAcquireIngestGateShared)).
		WithArgs(ingestGateLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(regexp.QuoteMeta(queryInsertFact))
	mock.ExpectQuery(regexp.QuoteMeta(queryInsertFact)).
		WithArgs(insertFactArgs(evt)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	outcome, err := adapter.InsertBatch(context.Background(), key, []*v1.InteractionEvent{evt})
	require.Error(t, err)
	require.ErrorContains(t, err, "evt-1")
	require.Equal(t, storage.BatchOutcome{}, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_InsertBatch_EmptySliceIsNoop(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	key := partition.For(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC))
	outcome, err := adapter.InsertBatch(context.Background(), key, nil)
	require.NoError(t, err)
	require.Equal(t, storage.BatchOutcome{}, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_EnsurePartition(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	key := partition.For(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec(regexp.QuoteMeta(
		`CREATE TABLE IF NOT EXISTS interactions_y2025m03 PARTITION OF interactions FOR VALUES FROM ('2025-03-01') TO ('2025-04-01')`,
	)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(
		`CREATE INDEX IF NOT EXISTS idx_interactions_y2025m03_user_id ON interactions_y2025m03 (user_id)`,
	)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(
		`CREATE INDEX IF NOT EXISTS idx_interactions_y2025m03_article_id ON interactions_y2025m03 (article_id)`,
	)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, adapter.EnsurePartition(context.Background(), key))

	// Second call hits the cache, no DDL round trip.
	require.NoError(t, adapter.EnsurePartition(context.Background(), key))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_EnsurePartition_LostRaceIsSuccess(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	key := partition.For(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS interactions_y2025m04").
		WillReturnError(&pq.Error{Code: "42P07"})
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_interactions_y2025m04_user_id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_interactions_y2025m04_article_id").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, adapter.EnsurePartition(context.Background(), key))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_EnsurePartition_FaultIsRetryable(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	key := partition.For(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	storageErr := errors.New("storage fault")

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS interactions_y2025m05").
		WillReturnError(storageErr)

	err := adapter.EnsurePartition(context.Background(), key)
	require.Error(t, err)

	var fault *storage.PartitionFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "interactions_y2025m05", fault.Partition)
	require.ErrorIs(t, err, storageErr)
	require.NoError(t, mock.ExpectationsWereMet())

	// The failed partition was not cached; a retry issues DDL again.
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS interactions_y2025m05").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_interactions_y2025m05_user_id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_interactions_y2025m05_article_id").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, adapter.EnsurePartition(context.Background(), key))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_FactsAfterCursor(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	occurredAt := time.Date(2025, 3, 5, 14, 30, 0, 0, time.UTC)
	eventDate := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)

	// The read transaction must take the exclusive ingest gate before
	// touching the table, so a loader still holding unflushed seqs is
	// waited out instead of skipped.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryAcquireIngestGate)).
		WithArgs(ingestGateLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(queryFactsAfterCursor)).
		WithArgs(int64(100), 500).
		WillReturnRows(sqlmock.NewRows(factRowColumns()).
			AddRow(
				"evt-101", "user-1", "sess-1", occurredAt, eventDate,
				14, 5, 3, 2025, 2, false,
				"https://news.example.com/technology/article-100", "read", "mobile", "https://www.google.com/search",
				"technology", "article-100", "search",
				30.0, nil, int64(101),
			).
			AddRow(
				"evt-102", "user-2", "sess-2", occurredAt.Add(time.Minute), eventDate,
				14, 5, 3, 2025, 2, false,
				"https://news.example.com/about", "view", "desktop", "",
				"uncategorized", nil, "direct",
				nil, 0.8, int64(102),
			),
		).RowsWillBeClosed()
	mock.ExpectCommit()

	events, err := adapter.FactsAfterCursor(context.Background(), 100, 500)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.Equal(t, "evt-101", events[0].InteractionID)
	require.Equal(t, int64(101), events[0].IngestSeq)
	require.NotNil(t, events[0].ArticleID)
	require.Equal(t, "article-100", *events[0].ArticleID)
	require.NotNil(t, events[0].TimeSpentSeconds)
	require.Equal(t, 30.0, *events[0].TimeSpentSeconds)
	require.Nil(t, events[0].ScrollDepth)

	require.Equal(t, "evt-102", events[1].InteractionID)
	require.Nil(t, events[1].ArticleID)
	require.Nil(t, events[1].TimeSpentSeconds)
	require.NotNil(t, events[1].ScrollDepth)
	require.Equal(t, 0.8, *events[1].ScrollDepth)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_FactsAfterCursor_GateFailureAbortsRead(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryAcquireIngestGate)).
		WithArgs(ingestGateLockID).
		WillReturnError(errors.New("canceling statement due to lock timeout"))
	mock.ExpectRollback()

	_, err := adapter.FactsAfterCursor(context.Background(), 0, 500)
	require.Error(t, err)
	require.ErrorContains(t, err, "acquire ingest gate")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_FactsByDateRange(t *testing.T) {
	adapter, mock, db := newMockFactsAdapter(t)
	defer db.Close()

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	occurredAt := time.Date(2025, 3, 5, 14, 30, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryFactsByDateRange)).
		WithArgs(from, to, int64(20), 5000).
		WillReturnRows(sqlmock.NewRows(factRowColumns()).
			AddRow(
				"evt-1", "user-1", "sess-1", occurredAt, from.AddDate(0, 0, 4),
				14, 5, 3, 2025, 2, false,
				"https://news.example.com/sports/article-7", "share", "tablet", "https://twitter.com/feed",
				"sports", "article-7", "social",
				nil, nil, int64(21),
			),
		).RowsWillBeClosed()

	events, err := adapter.FactsByDateRange(context.Background(), from, to, 20, 5000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "evt-1", events[0].InteractionID)
	require.Equal(t, "sports", events[0].ContentCategory)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFactsAdapter_CloseReturnsDBCloseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dbCloseErr := errors.New("db close failed")

	mock.ExpectPrepare(regexp.QuoteMeta(queryFactsByDateRange)).WillBeClosed()
	stmtByDateRange, err := db.Prepare(queryFactsByDateRange)
	require.NoError(t, err)

	mock.ExpectClose().WillReturnError(dbCloseErr)

	adapter := &FactsAdapter{
		db:                   db,
		stmtFactsByDateRange: stmtByDateRange,
		ensured:              make(map[string]struct{}),
	}

	err = adapter.Close()
	require.Error(t, err)
	require.ErrorContains(t, err, "failed to close database")
	require.ErrorIs(t, err, dbCloseErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockFactsAdapter(t *testing.T) (*FactsAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &FactsAdapter{
		db:                   db,
		stmtFactsByDateRange: mustPrepareStmt(t, db, mock, queryFactsByDateRange),
		ensured:              make(map[string]struct{}),
	}

	return adapter, mock, db
}

func mustPrepareStmt(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, query string) *sql.Stmt {
	t.Helper()

	mock.ExpectPrepare(regexp.QuoteMeta(query))
	stmt, err := db.Prepare(query)
	require.NoError(t, err)

	return stmt
}

func factRowColumns() []string {
	return []string{
		"interaction_id", "user_id", "session_id", "occurred_at", "event_date",
		"event_hour", "event_day", "event_month", "event_year", "event_dayofweek", "is_weekend",
		"page_url", "action", "device_type", "referrer",
		"content_category", "article_id", "referrer_category",
		"time_spent_seconds", "scroll_depth", "ingest_seq",
	}
}
