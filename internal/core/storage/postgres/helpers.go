package postgres

import (
	"database/sql"
	"fmt"

	v1 "github.com/mediapulse-io/mediapulse/internal/api/v1"
)

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanFactRow scans one interactions row into an InteractionEvent.
// Compatible with both sql.Row and sql.Rows.
func scanFactRow(row scanner) (*v1.InteractionEvent, error) {
	var (
		evt       v1.InteractionEvent
		articleID sql.NullString
		timeSpent sql.NullFloat64
		scroll    sql.NullFloat64
	)

	err := row.Scan(
		&evt.InteractionID,
		&evt.UserID,
		&evt.SessionID,
		&evt.OccurredAt,
		&evt.EventDate,
		&evt.EventHour,
		&evt.EventDay,
		&evt.EventMonth,
		&evt.EventYear,
		&evt.EventDayOfWeek,
		&evt.IsWeekend,
		&evt.PageURL,
		&evt.Action,
		&evt.DeviceType,
		&evt.Referrer,
		&evt.ContentCategory,
		&articleID,
		&evt.ReferrerCategory,
		&timeSpent,
		&scroll,
		&evt.IngestSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fact row: %w", err)
	}

	if articleID.Valid {
		evt.ArticleID = &articleID.String
	}
	if timeSpent.Valid {
		evt.TimeSpentSeconds = &timeSpent.Float64
	}
	if scroll.Valid {
		evt.ScrollDepth = &scroll.Float64
	}
	return &evt, nil
}

func collectFacts(rows *sql.Rows) ([]*v1.InteractionEvent, error) {
	var events []*v1.InteractionEvent
	for rows.Next() {
		evt, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}
	return events, nil
}
