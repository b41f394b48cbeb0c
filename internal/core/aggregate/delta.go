package aggregate

import (
	"time"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
)

// DateKey formats an event date as the canonical day key.
func DateKey(d time.Time) string { return d.Format("2006-01-02") }

// ArticleDayKey identifies one (article, day) rollup bucket.
type ArticleDayKey struct {
	ArticleID string
	Date      string
}

// UserDelta is the incremental contribution of a set of facts to one
// UserProfile. Every field combines via a commutative, associative
// operator: min, max, sum, or set union.
type UserDelta struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	Interactions int64
	Devices      CountSet
	Categories   CountSet
	Sessions     map[string]struct{}
}

func newUserDelta() *UserDelta {
	return &UserDelta{
		Devices:    make(CountSet),
		Categories: make(CountSet),
		Sessions:   make(map[string]struct{}),
	}
}

func (u *UserDelta) observe(evt *v1.InteractionEvent) {
	u.FirstSeen = minTime(u.FirstSeen, evt.OccurredAt)
	u.LastSeen = maxTime(u.LastSeen, evt.OccurredAt)
	u.Interactions++
	u.Devices.Add(evt.DeviceType, 1)
	u.Categories.Add(evt.ContentCategory, 1)
	u.Sessions[evt.SessionID] = struct{}{}
}

func (u *UserDelta) merge(other *UserDelta) {
	u.FirstSeen = minTime(u.FirstSeen, other.FirstSeen)
	u.LastSeen = maxTime(u.LastSeen, other.LastSeen)
	u.Interactions += other.Interactions
	u.Devices.Merge(other.Devices)
	u.Categories.Merge(other.Categories)
	for s := range other.Sessions {
		u.Sessions[s] = struct{}{}
	}
}

// ContentDelta is the incremental contribution to one ContentProfile.
// Category and URL follow the latest event seen, everything else is
// additive. Visitors is the set of user IDs in this delta; exact
// distinct counting happens against the dedupe table at flush time.
type ContentDelta struct {
	Latest    pageMark // Page holds the category, ID the page URL
	Views     int64
	TimeSpent AvgState
	Visitors  map[string]struct{}
}

func newContentDelta() *ContentDelta {
	return &ContentDelta{Visitors: make(map[string]struct{})}
}

func (c *ContentDelta) observe(evt *v1.InteractionEvent) {
	c.Latest = latest(c.Latest, pageMark{At: evt.OccurredAt, Page: evt.ContentCategory, ID: evt.PageURL})
	c.Views++
	if evt.TimeSpentSeconds != nil {
		c.TimeSpent.Observe(*evt.TimeSpentSeconds)
	}
	c.Visitors[evt.UserID] = struct{}{}
}

func (c *ContentDelta) merge(other *ContentDelta) {
	c.Latest = latest(c.Latest, other.Latest)
	c.Views += other.Views
	c.TimeSpent.Merge(other.TimeSpent)
	for u := range other.Visitors {
		c.Visitors[u] = struct{}{}
	}
}

// Category returns the content category as of the latest observed event.
func (c *ContentDelta) Category() string { return c.Latest.Page }

// PageURL returns the page URL as of the latest observed event.
func (c *ContentDelta) PageURL() string { return c.Latest.ID }

// LastEventAt returns the newest event time in this delta.
func (c *ContentDelta) LastEventAt() time.Time { return c.Latest.At }

// SessionDelta is the incremental contribution to one SessionProfile.
type SessionDelta struct {
	UserID    string
	Start     time.Time
	End       time.Time
	PageCount int64
	Entry     pageMark
	Exit      pageMark
	Devices   CountSet
	Referrers CountSet
}

func newSessionDelta() *SessionDelta {
	return &SessionDelta{
		Devices:   make(CountSet),
		Referrers: make(CountSet),
	}
}

func (s *SessionDelta) observe(evt *v1.InteractionEvent) {
	s.UserID = evt.UserID
	s.Start = minTime(s.Start, evt.OccurredAt)
	s.End = maxTime(s.End, evt.OccurredAt)
	s.PageCount++
	mark := pageMark{At: evt.OccurredAt, Page: evt.PageURL, ID: evt.InteractionID}
	s.Entry = earliest(s.Entry, mark)
	s.Exit = latest(s.Exit, mark)
	s.Devices.Add(evt.DeviceType, 1)
	s.Referrers.Add(evt.ReferrerCategory, 1)
}

func (s *SessionDelta) merge(other *SessionDelta) {
	if s.UserID == "" {
		s.UserID = other.UserID
	}
	s.Start = minTime(s.Start, other.Start)
	s.End = maxTime(s.End, other.End)
	s.PageCount += other.PageCount
	s.Entry = earliest(s.Entry, other.Entry)
	s.Exit = latest(s.Exit, other.Exit)
	s.Devices.Merge(other.Devices)
	s.Referrers.Merge(other.Referrers)
}

// DailyDelta is the incremental contribution to one DailyUserAggregate.
type DailyDelta struct {
	Date         time.Time
	Interactions int64
	Actions      CountSet
	TimeSpent    AvgState
	Users        map[string]struct{}
}

func newDailyDelta(date time.Time) *DailyDelta {
	return &DailyDelta{
		Date:    date,
		Actions: make(CountSet),
		Users:   make(map[string]struct{}),
	}
}

func (d *DailyDelta) observe(evt *v1.InteractionEvent) {
	d.Interactions++
	d.Actions.Add(evt.Action, 1)
	if evt.TimeSpentSeconds != nil {
		d.TimeSpent.Observe(*evt.TimeSpentSeconds)
	}
	d.Users[evt.UserID] = struct{}{}
}

func (d *DailyDelta) merge(other *DailyDelta) {
	d.Interactions += other.Interactions
	d.Actions.Merge(other.Actions)
	d.TimeSpent.Merge(other.TimeSpent)
	for u := range other.Users {
		d.Users[u] = struct{}{}
	}
}

// ArticleDailyDelta is the incremental contribution to one
// ArticlePerformanceAggregate bucket.
type ArticleDailyDelta struct {
	Date      time.Time
	Views     int64
	Actions   CountSet
	TimeSpent AvgState
	Scroll    AvgState
	Visitors  map[string]struct{}
}

func newArticleDailyDelta(date time.Time) *ArticleDailyDelta {
	return &ArticleDailyDelta{
		Date:     date,
		Actions:  make(CountSet),
		Visitors: make(map[string]struct{}),
	}
}

func (a *ArticleDailyDelta) observe(evt *v1.InteractionEvent) {
	a.Views++
	a.Actions.Add(evt.Action, 1)
	if evt.TimeSpentSeconds != nil {
		a.TimeSpent.Observe(*evt.TimeSpentSeconds)
	}
	if evt.ScrollDepth != nil {
		a.Scroll.Observe(*evt.ScrollDepth)
	}
	a.Visitors[evt.UserID] = struct{}{}
}

func (a *ArticleDailyDelta) merge(other *ArticleDailyDelta) {
	a.Views += other.Views
	a.Actions.Merge(other.Actions)
	a.TimeSpent.Merge(other.TimeSpent)
	a.Scroll.Merge(other.Scroll)
	for u := range other.Visitors {
		a.Visitors[u] = struct{}{}
	}
}

// DeltaState is the fold of a batch of committed facts into per-key
// incremental updates for every dimension and rollup entity. Folding is
// order-independent: Fold then Merge in any grouping converges to the
// same state.
type DeltaState struct {
	Users    map[string]*UserDelta
	Content  map[string]*ContentDelta
	Sessions map[string]*SessionDelta
	Days     map[string]*DailyDelta
	Articles map[ArticleDayKey]*ArticleDailyDelta

	// EventCount is the number of folded facts; MaxSeq the highest
	// ingest sequence seen, used to advance the sweep cursor.
	EventCount int
	MaxSeq     int64
}

func NewDeltaState() *DeltaState {
	return &DeltaState{
		Users:    make(map[string]*UserDelta),
		Content:  make(map[string]*ContentDelta),
		Sessions: make(map[string]*SessionDelta),
		Days:     make(map[string]*DailyDelta),
		Articles: make(map[ArticleDayKey]*ArticleDailyDelta),
	}
}

// Fold adds one committed fact to the delta.
func (d *DeltaState) Fold(evt *v1.InteractionEvent) {
	d.EventCount++
	if evt.IngestSeq > d.MaxSeq {
		d.MaxSeq = evt.IngestSeq
	}

	user, ok := d.Users[evt.UserID]
	if !ok {
		user = newUserDelta()
		d.Users[evt.UserID] = user
	}
	user.observe(evt)

	session, ok := d.Sessions[evt.SessionID]
	if !ok {
		session = newSessionDelta()
		d.Sessions[evt.SessionID] = session
	}
	session.observe(evt)

	dayKey := DateKey(evt.EventDate)
	day, ok := d.Days[dayKey]
	if !ok {
		day = newDailyDelta(evt.EventDate)
		d.Days[dayKey] = day
	}
	day.observe(evt)

	if evt.ArticleID != nil {
		content, ok := d.Content[*evt.ArticleID]
		if !ok {
			content = newContentDelta()
			d.Content[*evt.ArticleID] = content
		}
		content.observe(evt)

		articleKey := ArticleDayKey{ArticleID: *evt.ArticleID, Date: dayKey}
		article, ok := d.Articles[articleKey]
		if !ok {
			article = newArticleDailyDelta(evt.EventDate)
			d.Articles[articleKey] = article
		}
		article.observe(evt)
	}
}

// FoldAll folds a slice of facts.
func (d *DeltaState) FoldAll(events []*v1.InteractionEvent) {
	for _, evt := range events {
		d.Fold(evt)
	}
}

// Merge combines another delta into this one. Commutative and
// associative by construction.
func (d *DeltaState) Merge(other *DeltaState) {
	d.EventCount += other.EventCount
	if other.MaxSeq > d.MaxSeq {
		d.MaxSeq = other.MaxSeq
	}

	for key, delta := range other.Users {
		if existing, ok := d.Users[key]; ok {
			existing.merge(delta)
		} else {
			d.Users[key] = delta
		}
	}
	for key, delta := range other.Content {
		if existing, ok := d.Content[key]; ok {
			existing.merge(delta)
		} else {
			d.Content[key] = delta
		}
	}
	for key, delta := range other.Sessions {
		if existing, ok := d.Sessions[key]; ok {
			existing.merge(delta)
		} else {
			d.Sessions[key] = delta
		}
	}
	for key, delta := range other.Days {
		if existing, ok := d.Days[key]; ok {
			existing.merge(delta)
		} else {
			d.Days[key] = delta
		}
	}
	for key, delta := range other.Articles {
		if existing, ok := d.Articles[key]; ok {
			existing.merge(delta)
		} else {
			d.Articles[key] = delta
		}
	}
}

// Empty reports whether the delta carries no facts.
func (d *DeltaState) Empty() bool { return d.EventCount == 0 }
