package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
	"github.com/mediapulse-io/mediapulse/internal/core/aggregate"
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

// AggregateAdapter implements storage.AggregateStore and
// storage.AggregateReader for PostgreSQL. It shares the facts adapter's
// connection pool; the flush transaction spans both the aggregate
// upserts and the checkpoint cursor so they land atomically.
type AggregateAdapter struct {
	db *sql.DB
}

// NewAggregateAdapter wraps an already-validated connection.
func NewAggregateAdapter(db *sql.DB) *AggregateAdapter {
	return &AggregateAdapter{db: db}
}

// ReadCheckpoint returns the durable sweep cursor, 0 if no flush has
// ever committed.
func (a *AggregateAdapter) ReadCheckpoint(ctx context.Context) (int64, error) {
	var cursor int64
	err := a.db.QueryRowContext(ctx, queryReadCheckpoint).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return cursor, nil
}

// FlushDelta applies a folded delta to every dimension and rollup
// entity and advances the checkpoint to cursor, in one transaction.
// The checkpoint row is locked first; a cursor at or behind the durable
// one means the facts were already folded in by an earlier flush, so
// the whole call is a no-op rather than a double count.
func (a *AggregateAdapter) FlushDelta(ctx context.Context, delta *aggregate.DeltaState, cursor int64) error {
	if delta.Empty() {
		return nil
	}

	now := time.Now().UTC()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush delta: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, queryInitCheckpointRow, now); err != nil {
		return fmt.Errorf("flush delta: init checkpoint: %w", err)
	}

	var durable int64
	if err := tx.QueryRowContext(ctx, querySelectCheckpointForUpdate).Scan(&durable); err != nil {
		return fmt.Errorf("flush delta: lock checkpoint: %w", err)
	}

	if cursor <= durable {
		slog.Warn("[Aggregates] Skipping stale flush",
			"cursor", cursor,
			"durable_cursor", durable)
		return nil
	}

	newSessionsByUser, err := applySessions(ctx, tx, delta, now)
	if err != nil {
		return err
	}
	if err := applyUsers(ctx, tx, delta, newSessionsByUser, now); err != nil {
		return err
	}
	if err := applyContent(ctx, tx, delta, now); err != nil {
		return err
	}
	if err := applyDays(ctx, tx, delta, now); err != nil {
		return err
	}
	if err := applyArticles(ctx, tx, delta, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, queryUpdateCheckpoint, cursor, now); err != nil {
		return fmt.Errorf("flush delta: advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush delta: commit: %w", err)
	}

	slog.Info("[Aggregates] Delta flushed",
		"events", delta.EventCount,
		"users", len(delta.Users),
		"sessions", len(delta.Sessions),
		"articles", len(delta.Content),
		"cursor", cursor)
	return nil
}

// applySessions upserts every session touched by the delta and reports,
// per user, how many of those sessions were genuinely new rows. That
// count is what increments UserProfile.session_count, so a session
// spread over several batches is counted once.
func applySessions(ctx context.Context, tx *sql.Tx, delta *aggregate.DeltaState, now time.Time) (map[string]int64, error) {
	newSessionsByUser := make(map[string]int64)
	if len(delta.Sessions) == 0 {
		return newSessionsByUser, nil
	}

	stmt, err := tx.PrepareContext(ctx, queryUpsertSession)
	if err != nil {
		return nil, fmt.Errorf("flush delta: prepare session upsert: %w", err)
	}
	defer stmt.Close()

	countStmts, err := newLabelCountStmts(ctx, tx, queryUpsertSessionDeviceCount, queryUpsertSessionReferrerCount)
	if err != nil {
		return nil, err
	}
	defer countStmts.close()

	for _, sessionID := range sortedKeys(delta.Sessions) {
		d := delta.Sessions[sessionID]
		duration := int64(d.End.Sub(d.Start).Seconds())

		var inserted bool
		err := stmt.QueryRowContext(ctx,
			sessionID, d.UserID, d.Start, d.End, duration,
			d.PageCount, d.Entry.Page, d.Exit.Page, now,
		).Scan(&inserted)
		if err != nil {
			return nil, fmt.Errorf("flush delta: session %s: %w", sessionID, err)
		}
		if inserted {
			newSessionsByUser[d.UserID]++
		}

		if err := countStmts.apply(ctx, sessionID, d.Devices, d.Referrers); err != nil {
			return nil, fmt.Errorf("flush delta: session %s counts: %w", sessionID, err)
		}
	}
	return newSessionsByUser, nil
}

func applyUsers(ctx context.Context, tx *sql.Tx, delta *aggregate.DeltaState, newSessionsByUser map[string]int64, now time.Time) error {
	if len(delta.Users) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, queryUpsertUserProfile)
	if err != nil {
		return fmt.Errorf("flush delta: prepare user upsert: %w", err)
	}
	defer stmt.Close()

	countStmts, err := newLabelCountStmts(ctx, tx, queryUpsertUserDeviceCount, queryUpsertUserCategoryCount)
	if err != nil {
		return err
	}
	defer countStmts.close()

	for _, userID := range sortedKeys(delta.Users) {
		d := delta.Users[userID]
		_, err := stmt.ExecContext(ctx,
			userID, d.FirstSeen, d.LastSeen,
			newSessionsByUser[userID], d.Interactions, now,
		)
		if err != nil {
			return fmt.Errorf("flush delta: user %s: %w", userID, err)
		}

		if err := countStmts.apply(ctx, userID, d.Devices, d.Categories); err != nil {
			return fmt.Errorf("flush delta: user %s counts: %w", userID, err)
		}
	}
	return nil
}

func applyContent(ctx context.Context, tx *sql.Tx, delta *aggregate.DeltaState, now time.Time) error {
	if len(delta.Content) == 0 {
		return nil
	}

	visitorStmt, err := tx.PrepareContext(ctx, queryInsertContentVisitor)
	if err != nil {
		return fmt.Errorf("flush delta: prepare content visitor insert: %w", err)
	}
	defer visitorStmt.Close()

	stmt, err := tx.PrepareContext(ctx, queryUpsertContentProfile)
	if err != nil {
		return fmt.Errorf("flush delta: prepare content upsert: %w", err)
	}
	defer stmt.Close()

	for _, articleID := range sortedKeys(delta.Content) {
		d := delta.Content[articleID]

		// Distinct visitor counting is exact: only dedupe rows that
		// actually landed increment unique_visitors.
		var newVisitors int64
		for _, userID := range sortedSet(d.Visitors) {
			res, err := visitorStmt.ExecContext(ctx, articleID, userID)
			if err != nil {
				return fmt.Errorf("flush delta: content %s visitor %s: %w", articleID, userID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("flush delta: content %s visitor rows: %w", articleID, err)
			}
			newVisitors += n
		}

		_, err := stmt.ExecContext(ctx,
			articleID, d.Category(), d.PageURL(), d.Views,
			d.TimeSpent.Sum, d.TimeSpent.Count, newVisitors,
			d.LastEventAt(), now,
		)
		if err != nil {
			return fmt.Errorf("flush delta: content %s: %w", articleID, err)
		}
	}
	return nil
}

func applyDays(ctx context.Context, tx *sql.Tx, delta *aggregate.DeltaState, now time.Time) error {
	if len(delta.Days) == 0 {
		return nil
	}

	visitorStmt, err := tx.PrepareContext(ctx, queryInsertDailyVisitor)
	if err != nil {
		return fmt.Errorf("flush delta: prepare daily visitor insert: %w", err)
	}
	defer visitorStmt.Close()

	stmt, err := tx.PrepareContext(ctx, queryUpsertDailyAggregate)
	if err != nil {
		return fmt.Errorf("flush delta: prepare daily upsert: %w", err)
	}
	defer stmt.Close()

	actionStmt, err := tx.PrepareContext(ctx, queryUpsertDailyActionCount)
	if err != nil {
		return fmt.Errorf("flush delta: prepare daily action upsert: %w", err)
	}
	defer actionStmt.Close()

	for _, dayKey := range sortedKeys(delta.Days) {
		d := delta.Days[dayKey]

		var newUsers int64
		for _, userID := range sortedSet(d.Users) {
			res, err := visitorStmt.ExecContext(ctx, d.Date, userID)
			if err != nil {
				return fmt.Errorf("flush delta: day %s visitor %s: %w", dayKey, userID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("flush delta: day %s visitor rows: %w", dayKey, err)
			}
			newUsers += n
		}

		_, err := stmt.ExecContext(ctx,
			d.Date, d.Interactions, newUsers,
			d.TimeSpent.Sum, d.TimeSpent.Count, now,
		)
		if err != nil {
			return fmt.Errorf("flush delta: day %s: %w", dayKey, err)
		}

		for _, action := range d.Actions.Labels() {
			if _, err := actionStmt.ExecContext(ctx, d.Date, action, d.Actions[action]); err != nil {
				return fmt.Errorf("flush delta: day %s action %s: %w", dayKey, action, err)
			}
		}
	}
	return nil
}

func applyArticles(ctx context.Context, tx *sql.Tx, delta *aggregate.DeltaState, now time.Time) error {
	if len(delta.Articles) == 0 {
		return nil
	}

	visitorStmt, err := tx.PrepareContext(ctx, queryInsertArticleDailyVisitor)
	if err != nil {
		return fmt.Errorf("flush delta: prepare article visitor insert: %w", err)
	}
	defer visitorStmt.Close()

	stmt, err := tx.PrepareContext(ctx, queryUpsertArticleDailyAggregate)
	if err != nil {
		return fmt.Errorf("flush delta: prepare article daily upsert: %w", err)
	}
	defer stmt.Close()

	for _, key := range sortedArticleDayKeys(delta.Articles) {
		d := delta.Articles[key]

		var newVisitors int64
		for _, userID := range sortedSet(d.Visitors) {
			res, err := visitorStmt.ExecContext(ctx, key.ArticleID, d.Date, userID)
			if err != nil {
				return fmt.Errorf("flush delta: article %s/%s visitor %s: %w", key.ArticleID, key.Date, userID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("flush delta: article %s/%s visitor rows: %w", key.ArticleID, key.Date, err)
			}
			newVisitors += n
		}

		_, err := stmt.ExecContext(ctx,
			key.ArticleID, d.Date, d.Views,
			d.Actions["read"], d.Actions["share"], d.Actions["comment"], d.Actions["like"],
			newVisitors,
			d.TimeSpent.Sum, d.TimeSpent.Count,
			d.Scroll.Sum, d.Scroll.Count,
			now,
		)
		if err != nil {
			return fmt.Errorf("flush delta: article %s/%s: %w", key.ArticleID, key.Date, err)
		}
	}
	return nil
}

// RebuildRollups replaces every day-scoped rollup and its visitor
// dedupe rows inside [from, to) by the given delta, in one transaction.
// Lifetime-scoped profiles and the checkpoint are untouched.
func (a *AggregateAdapter) RebuildRollups(ctx context.Context, delta *aggregate.DeltaState, from, to time.Time) error {
	now := time.Now().UTC()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebuild rollups: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deletes := []string{
		queryDeleteDailyActionCounts,
		queryDeleteDailyVisitors,
		queryDeleteDailyAggregates,
		queryDeleteArticleDailyVisitors,
		queryDeleteArticleDailyAggs,
	}
	for _, q := range deletes {
		if _, err := tx.ExecContext(ctx, q, from, to); err != nil {
			return fmt.Errorf("rebuild rollups: delete: %w", err)
		}
	}

	// The dedupe rows in range were just cleared, so every visitor
	// insert lands and the rebuilt counts equal the distinct sets.
	if err := applyDays(ctx, tx, delta, now); err != nil {
		return err
	}
	if err := applyArticles(ctx, tx, delta, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rebuild rollups: commit: %w", err)
	}

	slog.Info("[Aggregates] Rollups rebuilt",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"events", delta.EventCount,
		"days", len(delta.Days),
		"article_days", len(delta.Articles))
	return nil
}

// CloseIdleSessions finalizes open sessions whose last event predates
// the threshold. A late event for a closed session reopens it.
func (a *AggregateAdapter) CloseIdleSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, queryCloseIdleSessions, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to close idle sessions: %w", err)
	}
	closed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count closed sessions: %w", err)
	}
	if closed > 0 {
		slog.Info("[Aggregates] Idle sessions closed",
			"count", closed,
			"older_than", olderThan)
	}
	return closed, nil
}

// labelCountStmts pairs the two per-key observation count upserts that
// sessions and users both carry.
type labelCountStmts struct {
	first  *sql.Stmt
	second *sql.Stmt
}

func newLabelCountStmts(ctx context.Context, tx *sql.Tx, firstQuery, secondQuery string) (*labelCountStmts, error) {
	first, err := tx.PrepareContext(ctx, firstQuery)
	if err != nil {
		return nil, fmt.Errorf("flush delta: prepare count upsert: %w", err)
	}
	second, err := tx.PrepareContext(ctx, secondQuery)
	if err != nil {
		first.Close()
		return nil, fmt.Errorf("flush delta: prepare count upsert: %w", err)
	}
	return &labelCountStmts{first: first, second: second}, nil
}

func (s *labelCountStmts) apply(ctx context.Context, key string, first, second aggregate.CountSet) error {
	for _, label := range first.Labels() {
		if _, err := s.first.ExecContext(ctx, key, label, first[label]); err != nil {
			return err
		}
	}
	for _, label := range second.Labels() {
		if _, err := s.second.ExecContext(ctx, key, label, second[label]); err != nil {
			return err
		}
	}
	return nil
}

func (s *labelCountStmts) close() {
	s.first.Close()
	s.second.Close()
}

// sortedKeys returns map keys in ascending order. Upserts walk keys in
// the same order in every concurrent flush so row locks are always
// taken in a consistent order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]struct{}) []string {
	return sortedKeys(m)
}

func sortedArticleDayKeys(m map[aggregate.ArticleDayKey]*aggregate.ArticleDailyDelta) []aggregate.ArticleDayKey {
	keys := make([]aggregate.ArticleDayKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ArticleID != keys[j].ArticleID {
			return keys[i].ArticleID < keys[j].ArticleID
		}
		return keys[i].Date < keys[j].Date
	})
	return keys
}

// UserProfile returns the per-user dimension entity with the preferred
// device and category resolved as the mode over the count tables.
func (a *AggregateAdapter) UserProfile(ctx context.Context, userID string) (*v1.UserProfile, error) {
	var p v1.UserProfile
	err := a.db.QueryRowContext(ctx, querySelectUserProfile, userID).Scan(
		&p.UserID, &p.FirstSeen, &p.LastSeen, &p.SessionCount, &p.TotalInteractions,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user profile %s: %w", userID, err)
	}

	rows, err := a.db.QueryContext(ctx, querySelectUserDevices, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user devices %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var device string
		var count int64
		if err := rows.Scan(&device, &count); err != nil {
			return nil, fmt.Errorf("failed to scan user device: %w", err)
		}
		p.Devices = append(p.Devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user devices: %w", err)
	}
	if len(p.Devices) > 0 {
		p.PreferredDevice = p.Devices[0]
	}

	err = a.db.QueryRowContext(ctx, querySelectUserTopCategory, userID).Scan(&p.PreferredCategory)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query user top category %s: %w", userID, err)
	}
	return &p, nil
}

// ContentProfile returns the per-article dimension entity.
func (a *AggregateAdapter) ContentProfile(ctx context.Context, articleID string) (*v1.ContentProfile, error) {
	var p v1.ContentProfile
	err := a.db.QueryRowContext(ctx, querySelectContentProfile, articleID).Scan(
		&p.ArticleID, &p.ContentCategory, &p.PageURL,
		&p.TotalViews, &p.UniqueVisitors, &p.AvgTimeSpent, &p.LastEventAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query content profile %s: %w", articleID, err)
	}
	return &p, nil
}

// SessionProfile returns the per-session dimension entity with the
// dominant device and referrer category resolved from the count tables.
func (a *AggregateAdapter) SessionProfile(ctx context.Context, sessionID string) (*v1.SessionProfile, error) {
	var p v1.SessionProfile
	err := a.db.QueryRowContext(ctx, querySelectSessionProfile, sessionID).Scan(
		&p.SessionID, &p.UserID, &p.StartedAt, &p.EndedAt, &p.DurationSeconds,
		&p.PageCount, &p.EntryPage, &p.ExitPage, &p.Closed,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session profile %s: %w", sessionID, err)
	}

	err = a.db.QueryRowContext(ctx, querySelectSessionTopDevice, sessionID).Scan(&p.DominantDevice)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query session top device %s: %w", sessionID, err)
	}
	err = a.db.QueryRowContext(ctx, querySelectSessionTopReferrer, sessionID).Scan(&p.DominantReferrer)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query session top referrer %s: %w", sessionID, err)
	}
	return &p, nil
}

// DailyAggregates returns the per-day rollups with from <= date < to,
// action breakdowns attached.
func (a *AggregateAdapter) DailyAggregates(ctx context.Context, from, to time.Time) ([]*v1.DailyAggregate, error) {
	rows, err := a.db.QueryContext(ctx, querySelectDailyAggregates, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}
	defer rows.Close()

	var out []*v1.DailyAggregate
	byDate := make(map[string]*v1.DailyAggregate)
	for rows.Next() {
		var agg v1.DailyAggregate
		if err := rows.Scan(&agg.Date, &agg.TotalInteractions, &agg.ActiveUsers, &agg.AvgTimeSpent); err != nil {
			return nil, fmt.Errorf("failed to scan daily aggregate: %w", err)
		}
		out = append(out, &agg)
		byDate[agg.Date.Format("2006-01-02")] = &agg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read daily aggregates: %w", err)
	}

	actionRows, err := a.db.QueryContext(ctx, querySelectDailyActionCounts, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily action counts: %w", err)
	}
	defer actionRows.Close()

	for actionRows.Next() {
		var date time.Time
		var action string
		var count int64
		if err := actionRows.Scan(&date, &action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan daily action count: %w", err)
		}
		if agg, ok := byDate[date.Format("2006-01-02")]; ok {
			if agg.ActionCounts == nil {
				agg.ActionCounts = make(map[string]int64)
			}
			agg.ActionCounts[action] = count
		}
	}
	if err := actionRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read daily action counts: %w", err)
	}
	return out, nil
}

// ArticleAggregatesByDate returns every article's rollup for one day,
// most viewed first.
func (a *AggregateAdapter) ArticleAggregatesByDate(ctx context.Context, date time.Time) ([]*v1.ArticleDailyAggregate, error) {
	rows, err := a.db.QueryContext(ctx, querySelectArticleDailyAggregates, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query article aggregates: %w", err)
	}
	defer rows.Close()

	var out []*v1.ArticleDailyAggregate
	for rows.Next() {
		var agg v1.ArticleDailyAggregate
		err := rows.Scan(
			&agg.ArticleID, &agg.Date, &agg.Views, &agg.Reads, &agg.Shares,
			&agg.Comments, &agg.Likes, &agg.UniqueVisitors,
			&agg.AvgTimeSpent, &agg.AvgScrollDepth,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article aggregate: %w", err)
		}
		out = append(out, &agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read article aggregates: %w", err)
	}
	return out, nil
}
