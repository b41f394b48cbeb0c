package v1

import "time"

// RawRecord is one decoded upstream interaction record, exactly as the
// extractor hands it over. Field presence is validated by the normalizer,
// not here: a RawRecord may be arbitrarily incomplete.
type RawRecord struct {
	// InteractionID is optional. When absent, the normalizer derives a
	// deterministic identity key from the stable fields below.
	InteractionID string `json:"interaction_id,omitempty"`

	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`

	// Timestamp is the client-side event time in RFC 3339.
	Timestamp string `json:"timestamp"`

	PageURL    string `json:"page_url"`
	Action     string `json:"action"`
	DeviceType string `json:"device_type,omitempty"`
	Referrer   string `json:"referrer,omitempty"`

	// TimeSpentSeconds and ScrollDepth are nullable: nil means "not
	// observed", which is distinct from zero for averaging purposes.
	TimeSpentSeconds *float64 `json:"time_spent_seconds,omitempty"`
	ScrollDepth      *float64 `json:"scroll_depth,omitempty"`
}

// InteractionEvent is the canonical, immutable fact. Identity is the
// composite (InteractionID, EventDate): the same InteractionID in two
// different month partitions names two distinct records.
type InteractionEvent struct {
	InteractionID string `json:"interaction_id"`
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`

	// OccurredAt is the original event timestamp. EventDate is a pure
	// function of OccurredAt under the configured time-zone policy.
	OccurredAt time.Time `json:"occurred_at"`
	EventDate  time.Time `json:"event_date"`

	// Calendar fields derived from EventDate. DayOfWeek is Monday=0.
	EventHour      int  `json:"event_hour"`
	EventDay       int  `json:"event_day"`
	EventMonth     int  `json:"event_month"`
	EventYear      int  `json:"event_year"`
	EventDayOfWeek int  `json:"event_dayofweek"`
	IsWeekend      bool `json:"is_weekend"`

	PageURL    string `json:"page_url"`
	Action     string `json:"action"`
	DeviceType string `json:"device_type,omitempty"`
	Referrer   string `json:"referrer,omitempty"`

	// ContentCategory is "uncategorized" when no URL rule matches.
	// ArticleID is nil for non-article pages.
	ContentCategory  string  `json:"content_category"`
	ArticleID        *string `json:"article_id,omitempty"`
	ReferrerCategory string  `json:"referrer_category"`

	TimeSpentSeconds *float64 `json:"time_spent_seconds,omitempty"`
	ScrollDepth      *float64 `json:"scroll_depth,omitempty"`

	// IngestSeq is a monotonic sequence assigned by the database on
	// first insert. It orders facts for the aggregation sweep cursor.
	// Not exposed in the public API.
	IngestSeq int64 `json:"-"`
}

// RejectedRecord reports one record that failed normalization. The index
// refers to the record's position in the submitted batch.
type RejectedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// LoadResult is the outcome of one batch load. Record-level rejections
// never abort a batch; the counts always refer to the fact store's state
// after the load, so resubmitting the same batch reports everything as
// duplicates and nothing as accepted.
type LoadResult struct {
	LoadID     string           `json:"load_id"`
	Accepted   int              `json:"accepted"`
	Duplicates int              `json:"duplicates"`
	Rejected   []RejectedRecord `json:"rejected,omitempty"`
}
