package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
)

// NormalizationError reports a record that cannot be normalized. It is
// strictly per-record: the caller records it and moves on, the batch
// continues.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: field %q: %s", e.Field, e.Reason)
}

// Options configures a Normalizer. The time-zone policy is fixed by
// configuration, never inferred per record.
type Options struct {
	// Timezone is an IANA zone name for calendar derivation ("UTC" if empty).
	Timezone string

	// InternalDomain marks referrers as internal navigation.
	InternalDomain string

	// RulesDir optionally overrides the built-in URL classification rules.
	RulesDir string
}

// Normalizer converts raw decoded records into canonical InteractionEvents.
// It is purely functional after construction: no shared mutable state,
// safe to call from any number of goroutines.
type Normalizer struct {
	loc            *time.Location
	internalDomain string
	rules          []URLRule
}

func New(opts Options) (*Normalizer, error) {
	tz := opts.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("normalize: invalid timezone %q: %w", tz, err)
	}

	rules, err := LoadRules(opts.RulesDir)
	if err != nil {
		return nil, err
	}

	return &Normalizer{
		loc:            loc,
		internalDomain: opts.InternalDomain,
		rules:          rules,
	}, nil
}

// naiveTimestampLayouts carry no zone information. Upstream emitters
// are not uniform about offsets and the "T" separator; zone-less values
// are read as wall-clock time in the configured zone, so the derived
// calendar date matches what the emitter wrote.
var naiveTimestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalize converts one raw record into a canonical InteractionEvent.
// Returns a *NormalizationError when required fields are missing or
// malformed; such records are rejected individually.
func (n *Normalizer) Normalize(raw *v1.RawRecord) (*v1.InteractionEvent, error) {
	userID := strings.ToLower(strings.TrimSpace(raw.UserID))
	if userID == "" {
		return nil, &NormalizationError{Field: "user_id", Reason: "required"}
	}
	sessionID := strings.ToLower(strings.TrimSpace(raw.SessionID))
	if sessionID == "" {
		return nil, &NormalizationError{Field: "session_id", Reason: "required"}
	}
	pageURL := strings.ToLower(strings.TrimSpace(raw.PageURL))
	if pageURL == "" {
		return nil, &NormalizationError{Field: "page_url", Reason: "required"}
	}
	action := strings.ToLower(strings.TrimSpace(raw.Action))
	if action == "" {
		return nil, &NormalizationError{Field: "action", Reason: "required"}
	}
	if strings.TrimSpace(raw.Timestamp) == "" {
		return nil, &NormalizationError{Field: "timestamp", Reason: "required"}
	}

	occurredAt, err := n.parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, &NormalizationError{Field: "timestamp", Reason: err.Error()}
	}

	local := occurredAt.In(n.loc)
	eventDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	// Monday=0 .. Sunday=6, weekend is Saturday/Sunday.
	dayOfWeek := (int(local.Weekday()) + 6) % 7

	category, articleID := Classify(n.rules, pageURL)

	evt := &v1.InteractionEvent{
		InteractionID:    strings.ToLower(strings.TrimSpace(raw.InteractionID)),
		UserID:           userID,
		SessionID:        sessionID,
		OccurredAt:       occurredAt,
		EventDate:        eventDate,
		EventHour:        local.Hour(),
		EventDay:         local.Day(),
		EventMonth:       int(local.Month()),
		EventYear:        local.Year(),
		EventDayOfWeek:   dayOfWeek,
		IsWeekend:        dayOfWeek >= 5,
		PageURL:          pageURL,
		Action:           action,
		DeviceType:       strings.ToLower(strings.TrimSpace(raw.DeviceType)),
		Referrer:         strings.ToLower(strings.TrimSpace(raw.Referrer)),
		ContentCategory:  category,
		ArticleID:        articleID,
		ReferrerCategory: CategorizeReferrer(raw.Referrer, n.internalDomain),
		TimeSpentSeconds: nonNegative(raw.TimeSpentSeconds),
		ScrollDepth:      nonNegative(raw.ScrollDepth),
	}

	if evt.InteractionID == "" {
		evt.InteractionID = identityKey(userID, sessionID, occurredAt, pageURL, action)
	}
	return evt, nil
}

func (n *Normalizer) parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveTimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// nonNegative treats negative measurements as absent, not zero, so they
// never enter sum+count averaging state.
func nonNegative(v *float64) *float64 {
	if v == nil || *v < 0 {
		return nil
	}
	out := *v
	return &out
}

// identityKey derives a deterministic interaction ID from the stable
// fields of the raw record. Re-normalizing the same record yields the
// same key, which is what makes retried loads idempotent.
func identityKey(userID, sessionID string, occurredAt time.Time, pageURL, action string) string {
	h := xxhash.New()
	for _, part := range []string{
		userID,
		sessionID,
		strconv.FormatInt(occurredAt.UTC().Unix(), 10),
		pageURL,
		action,
	} {
		h.WriteString(part)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
