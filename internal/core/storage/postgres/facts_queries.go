package postgres

// SQL for the append-only fact store. Partition DDL lives in
// facts_adapter.go because table names cannot be bound as parameters.

const (
	// The ingest gate keeps the sweep cursor safe against commit
	// reordering: ingest_seq values are allocated by a sequence, so a
	// later transaction can claim higher seqs and commit before an
	// earlier one. Writers hold the shared transaction-scoped advisory
	// lock for as long as they hold unflushed seqs; the sweep read
	// takes the exclusive lock first, which waits out every in-flight
	// insert, so no committed fact can surface below an already
	// advanced cursor.
	queryAcquireIngestGateShared = `SELECT pg_advisory_xact_lock_shared($1)`
	queryAcquireIngestGate       = `SELECT pg_advisory_xact_lock($1)`

	// queryInsertFact appends one fact with insert-or-ignore semantics
	// on the composite key (interaction_id, event_date). RETURNING
	// yields no row (sql.ErrNoRows) for an ignored duplicate, which is
	// how the batch writer counts duplicates without treating them as
	// errors.
	queryInsertFact = `
		INSERT INTO interactions (
			interaction_id, user_id, session_id, occurred_at, event_date,
			event_hour, event_day, event_month, event_year, event_dayofweek, is_weekend,
			page_url, action, device_type, referrer,
			content_category, article_id, referrer_category,
			time_spent_seconds, scroll_depth
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (interaction_id, event_date) DO NOTHING
		RETURNING ingest_seq
	`

	// queryFactsAfterCursor streams committed facts in strict total
	// order for the aggregation sweep. cursor=0 replays from the start.
	queryFactsAfterCursor = `
		SELECT
			interaction_id, user_id, session_id, occurred_at, event_date,
			event_hour, event_day, event_month, event_year, event_dayofweek, is_weekend,
			page_url, action, device_type, referrer,
			content_category, article_id, referrer_category,
			time_spent_seconds, scroll_depth, ingest_seq
		FROM interactions
		WHERE ingest_seq > $1
		ORDER BY ingest_seq ASC
		LIMIT $2
	`

	// queryFactsByDateRange serves recompute: facts whose event_date
	// falls in [from, to), paged by ingest_seq so arbitrarily large
	// ranges can be walked batch by batch.
	queryFactsByDateRange = `
		SELECT
			interaction_id, user_id, session_id, occurred_at, event_date,
			event_hour, event_day, event_month, event_year, event_dayofweek, is_weekend,
			page_url, action, device_type, referrer,
			content_category, article_id, referrer_category,
			time_spent_seconds, scroll_depth, ingest_seq
		FROM interactions
		WHERE event_date >= $1 AND event_date < $2 AND ingest_seq > $3
		ORDER BY ingest_seq ASC
		LIMIT $4
	`
)
