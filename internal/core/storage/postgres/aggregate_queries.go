package postgres

// SQL for the dimension and rollup entities. Every upsert merges with
// commutative operators (LEAST/GREATEST/addition), so the final state
// is independent of the order deltas are applied in, and Postgres
// row-level locks serialize concurrent writers per key without any
// global lock.

const (
	querySelectCheckpointForUpdate = `
		SELECT cursor
		FROM aggregate_checkpoint
		WHERE id = 1
		FOR UPDATE
	`

	queryInitCheckpointRow = `
		INSERT INTO aggregate_checkpoint (id, cursor, updated_at)
		VALUES (1, 0, $1)
		ON CONFLICT (id) DO NOTHING
	`

	queryUpdateCheckpoint = `
		UPDATE aggregate_checkpoint
		SET cursor = $1, updated_at = $2
		WHERE id = 1
	`

	queryReadCheckpoint = `SELECT cursor FROM aggregate_checkpoint WHERE id = 1`

	// queryUpsertSession reports whether the row was newly inserted
	// (xmax = 0) so the flush can count new sessions per user without a
	// separate read. A late event reopens a closed session.
	queryUpsertSession = `
		INSERT INTO session_profiles (
			session_id, user_id, started_at, ended_at, duration_seconds,
			page_count, entry_page, exit_page, closed, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			started_at       = LEAST(session_profiles.started_at, EXCLUDED.started_at),
			ended_at         = GREATEST(session_profiles.ended_at, EXCLUDED.ended_at),
			duration_seconds = EXTRACT(EPOCH FROM (
				GREATEST(session_profiles.ended_at, EXCLUDED.ended_at)
				- LEAST(session_profiles.started_at, EXCLUDED.started_at)))::BIGINT,
			page_count       = session_profiles.page_count + EXCLUDED.page_count,
			entry_page       = CASE WHEN EXCLUDED.started_at < session_profiles.started_at
			                   THEN EXCLUDED.entry_page ELSE session_profiles.entry_page END,
			exit_page        = CASE WHEN EXCLUDED.ended_at > session_profiles.ended_at
			                   THEN EXCLUDED.exit_page ELSE session_profiles.exit_page END,
			closed           = FALSE,
			updated_at       = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted
	`

	queryUpsertUserProfile = `
		INSERT INTO user_profiles (
			user_id, first_seen, last_seen, session_count, total_interactions, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			first_seen         = LEAST(user_profiles.first_seen, EXCLUDED.first_seen),
			last_seen          = GREATEST(user_profiles.last_seen, EXCLUDED.last_seen),
			session_count      = user_profiles.session_count + EXCLUDED.session_count,
			total_interactions = user_profiles.total_interactions + EXCLUDED.total_interactions,
			updated_at         = EXCLUDED.updated_at
	`

	queryUpsertUserDeviceCount = `
		INSERT INTO user_device_counts (user_id, device_type, seen_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, device_type) DO UPDATE SET
			seen_count = user_device_counts.seen_count + EXCLUDED.seen_count
	`

	queryUpsertUserCategoryCount = `
		INSERT INTO user_category_counts (user_id, content_category, seen_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, content_category) DO UPDATE SET
			seen_count = user_category_counts.seen_count + EXCLUDED.seen_count
	`

	queryUpsertSessionDeviceCount = `
		INSERT INTO session_device_counts (session_id, device_type, seen_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, device_type) DO UPDATE SET
			seen_count = session_device_counts.seen_count + EXCLUDED.seen_count
	`

	queryUpsertSessionReferrerCount = `
		INSERT INTO session_referrer_counts (session_id, referrer_category, seen_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, referrer_category) DO UPDATE SET
			seen_count = session_referrer_counts.seen_count + EXCLUDED.seen_count
	`

	// Distinct-visitor counting is EXACT: a dedupe row per (key, user)
	// with insert-or-ignore, and the number of rows actually inserted
	// becomes the increment on the owning aggregate.
	queryInsertContentVisitor = `
		INSERT INTO content_visitors (article_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (article_id, user_id) DO NOTHING
	`

	// Latest-wins fields tie-break on page_url at equal timestamps, the
	// same rule the in-memory fold uses, so the stored row is
	// independent of the order deltas happen to flush in.
	queryUpsertContentProfile = `
		INSERT INTO content_profiles (
			article_id, content_category, page_url, total_views,
			time_spent_sum, time_spent_count, unique_visitors, last_event_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (article_id) DO UPDATE SET
			total_views      = content_profiles.total_views + EXCLUDED.total_views,
			time_spent_sum   = content_profiles.time_spent_sum + EXCLUDED.time_spent_sum,
			time_spent_count = content_profiles.time_spent_count + EXCLUDED.time_spent_count,
			unique_visitors  = content_profiles.unique_visitors + EXCLUDED.unique_visitors,
			content_category = CASE WHEN EXCLUDED.last_event_at > content_profiles.last_event_at
			                     OR (EXCLUDED.last_event_at = content_profiles.last_event_at
			                         AND EXCLUDED.page_url >= content_profiles.page_url)
			                   THEN EXCLUDED.content_category ELSE content_profiles.content_category END,
			page_url         = CASE WHEN EXCLUDED.last_event_at > content_profiles.last_event_at
			                     OR (EXCLUDED.last_event_at = content_profiles.last_event_at
			                         AND EXCLUDED.page_url >= content_profiles.page_url)
			                   THEN EXCLUDED.page_url ELSE content_profiles.page_url END,
			last_event_at    = GREATEST(content_profiles.last_event_at, EXCLUDED.last_event_at),
			updated_at       = EXCLUDED.updated_at
	`

	queryInsertDailyVisitor = `
		INSERT INTO daily_visitors (event_date, user_id)
		VALUES ($1, $2)
		ON CONFLICT (event_date, user_id) DO NOTHING
	`

	queryUpsertDailyAggregate = `
		INSERT INTO daily_user_aggregates (
			event_date, total_interactions, active_users,
			time_spent_sum, time_spent_count, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_date) DO UPDATE SET
			total_interactions = daily_user_aggregates.total_interactions + EXCLUDED.total_interactions,
			active_users       = daily_user_aggregates.active_users + EXCLUDED.active_users,
			time_spent_sum     = daily_user_aggregates.time_spent_sum + EXCLUDED.time_spent_sum,
			time_spent_count   = daily_user_aggregates.time_spent_count + EXCLUDED.time_spent_count,
			updated_at         = EXCLUDED.updated_at
	`

	queryUpsertDailyActionCount = `
		INSERT INTO daily_action_counts (event_date, action, seen_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_date, action) DO UPDATE SET
			seen_count = daily_action_counts.seen_count + EXCLUDED.seen_count
	`

	queryInsertArticleDailyVisitor = `
		INSERT INTO article_daily_visitors (article_id, event_date, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (article_id, event_date, user_id) DO NOTHING
	`

	queryUpsertArticleDailyAggregate = `
		INSERT INTO article_daily_aggregates (
			article_id, event_date, views, reads, shares, comments, likes,
			unique_visitors, time_spent_sum, time_spent_count,
			scroll_depth_sum, scroll_depth_count, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (article_id, event_date) DO UPDATE SET
			views              = article_daily_aggregates.views + EXCLUDED.views,
			reads              = article_daily_aggregates.reads + EXCLUDED.reads,
			shares             = article_daily_aggregates.shares + EXCLUDED.shares,
			comments           = article_daily_aggregates.comments + EXCLUDED.comments,
			likes              = article_daily_aggregates.likes + EXCLUDED.likes,
			unique_visitors    = article_daily_aggregates.unique_visitors + EXCLUDED.unique_visitors,
			time_spent_sum     = article_daily_aggregates.time_spent_sum + EXCLUDED.time_spent_sum,
			time_spent_count   = article_daily_aggregates.time_spent_count + EXCLUDED.time_spent_count,
			scroll_depth_sum   = article_daily_aggregates.scroll_depth_sum + EXCLUDED.scroll_depth_sum,
			scroll_depth_count = article_daily_aggregates.scroll_depth_count + EXCLUDED.scroll_depth_count,
			updated_at         = EXCLUDED.updated_at
	`

	queryCloseIdleSessions = `
		UPDATE session_profiles
		SET closed = TRUE
		WHERE NOT closed AND ended_at < $1
	`

	// Rollup deletes for recompute. Restricted to [from, to) so
	// recompute never touches rollups outside the requested range.
	queryDeleteDailyAggregates      = `DELETE FROM daily_user_aggregates WHERE event_date >= $1 AND event_date < $2`
	queryDeleteDailyActionCounts    = `DELETE FROM daily_action_counts WHERE event_date >= $1 AND event_date < $2`
	queryDeleteDailyVisitors        = `DELETE FROM daily_visitors WHERE event_date >= $1 AND event_date < $2`
	queryDeleteArticleDailyAggs     = `DELETE FROM article_daily_aggregates WHERE event_date >= $1 AND event_date < $2`
	queryDeleteArticleDailyVisitors = `DELETE FROM article_daily_visitors WHERE event_date >= $1 AND event_date < $2`

	// Reporting reads.
	querySelectUserProfile = `
		SELECT user_id, first_seen, last_seen, session_count, total_interactions
		FROM user_profiles
		WHERE user_id = $1
	`

	querySelectUserDevices = `
		SELECT device_type, seen_count
		FROM user_device_counts
		WHERE user_id = $1
		ORDER BY seen_count DESC, device_type ASC
	`

	querySelectUserTopCategory = `
		SELECT content_category
		FROM user_category_counts
		WHERE user_id = $1
		ORDER BY seen_count DESC, content_category ASC
		LIMIT 1
	`

	querySelectContentProfile = `
		SELECT
			article_id, content_category, page_url, total_views, unique_visitors,
			CASE WHEN time_spent_count > 0
				THEN (time_spent_sum / time_spent_count)::DOUBLE PRECISION
				ELSE 0 END AS avg_time_spent,
			last_event_at
		FROM content_profiles
		WHERE article_id = $1
	`

	querySelectSessionProfile = `
		SELECT session_id, user_id, started_at, ended_at, duration_seconds,
			page_count, entry_page, exit_page, closed
		FROM session_profiles
		WHERE session_id = $1
	`

	querySelectSessionTopDevice = `
		SELECT device_type
		FROM session_device_counts
		WHERE session_id = $1
		ORDER BY seen_count DESC, device_type ASC
		LIMIT 1
	`

	querySelectSessionTopReferrer = `
		SELECT referrer_category
		FROM session_referrer_counts
		WHERE session_id = $1
		ORDER BY seen_count DESC, referrer_category ASC
		LIMIT 1
	`

	querySelectDailyAggregates = `
		SELECT
			event_date, total_interactions, active_users,
			CASE WHEN time_spent_count > 0
				THEN (time_spent_sum / time_spent_count)::DOUBLE PRECISION
				ELSE 0 END AS avg_time_spent
		FROM daily_user_aggregates
		WHERE event_date >= $1 AND event_date < $2
		ORDER BY event_date ASC
	`

	querySelectDailyActionCounts = `
		SELECT event_date, action, seen_count
		FROM daily_action_counts
		WHERE event_date >= $1 AND event_date < $2
		ORDER BY event_date ASC, action ASC
	`

	querySelectArticleDailyAggregates = `
		SELECT
			article_id, event_date, views, reads, shares, comments, likes, unique_visitors,
			CASE WHEN time_spent_count > 0
				THEN (time_spent_sum / time_spent_count)::DOUBLE PRECISION
				ELSE 0 END AS avg_time_spent,
			CASE WHEN scroll_depth_count > 0
				THEN (scroll_depth_sum / scroll_depth_count)::DOUBLE PRECISION
				ELSE 0 END AS avg_scroll_depth
		FROM article_daily_aggregates
		WHERE event_date = $1
		ORDER BY views DESC, article_id ASC
	`
)
