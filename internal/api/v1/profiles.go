package v1

import "time"

// UserProfile is the per-user dimension entity. FirstSeen/LastSeen only
// widen as new events arrive; counts only grow. PreferredDevice and
// PreferredCategory are the mode over the user's whole history, resolved
// at read time from the observation count tables.
type UserProfile struct {
	UserID            string    `json:"user_id"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	SessionCount      int64     `json:"session_count"`
	TotalInteractions int64     `json:"total_interactions"`
	Devices           []string  `json:"devices"`
	PreferredDevice   string    `json:"preferred_device,omitempty"`
	PreferredCategory string    `json:"preferred_content_category,omitempty"`
}

// ContentProfile is the per-article dimension entity. AvgTimeSpent is
// derived from sum+count state, never stored as a re-averaged float.
// UniqueVisitors is exact (dedupe-table based), not an estimate.
type ContentProfile struct {
	ArticleID       string    `json:"article_id"`
	ContentCategory string    `json:"content_category"`
	PageURL         string    `json:"page_url"`
	TotalViews      int64     `json:"total_views"`
	UniqueVisitors  int64     `json:"unique_visitors"`
	AvgTimeSpent    float64   `json:"avg_time_spent_seconds"`
	LastEventAt     time.Time `json:"last_event_at"`
}

// SessionProfile is the per-session dimension entity. Until Closed is
// true, EndedAt and DurationSeconds are provisional: a later event for
// the same session may still widen them.
type SessionProfile struct {
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	DurationSeconds  int64     `json:"duration_seconds"`
	PageCount        int64     `json:"page_count"`
	EntryPage        string    `json:"entry_page"`
	ExitPage         string    `json:"exit_page"`
	DominantDevice   string    `json:"dominant_device,omitempty"`
	DominantReferrer string    `json:"dominant_referrer,omitempty"`
	Closed           bool      `json:"closed"`
}

// DailyAggregate is the per-day rollup over every event whose event_date
// falls on Date. ActiveUsers is an exact distinct count.
type DailyAggregate struct {
	Date              time.Time        `json:"date"`
	TotalInteractions int64            `json:"total_interactions"`
	ActiveUsers       int64            `json:"active_users"`
	AvgTimeSpent      float64          `json:"avg_time_spent_seconds"`
	ActionCounts      map[string]int64 `json:"action_counts,omitempty"`
}

// ArticleDailyAggregate is the per-(article, day) rollup.
type ArticleDailyAggregate struct {
	ArticleID      string    `json:"article_id"`
	Date           time.Time `json:"date"`
	Views          int64     `json:"views"`
	Reads          int64     `json:"reads"`
	Shares         int64     `json:"shares"`
	Comments       int64     `json:"comments"`
	Likes          int64     `json:"likes"`
	UniqueVisitors int64     `json:"unique_visitors"`
	AvgTimeSpent   float64   `json:"avg_time_spent_seconds"`
	AvgScrollDepth float64   `json:"avg_scroll_depth"`
}
