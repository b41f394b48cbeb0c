package partition

import (
	"fmt"
	"time"
)

// Key identifies one calendar-month partition of the fact store.
// Start is inclusive, End is exclusive, both at midnight UTC. Keys are a
// pure function of the event date, so two writers racing on the same
// month always compute identical boundaries and overlap is impossible.
type Key struct {
	Name  string
	Start time.Time
	End   time.Time
}

// For returns the partition key covering eventDate.
// Stable and deterministic: same month always maps to the same key.
func For(eventDate time.Time) Key {
	y, m, _ := eventDate.Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	return Key{
		Name:  fmt.Sprintf("interactions_y%04dm%02d", y, int(m)),
		Start: start,
		End:   start.AddDate(0, 1, 0),
	}
}

// Covers reports whether eventDate falls inside this partition's range.
func (k Key) Covers(eventDate time.Time) bool {
	return !eventDate.Before(k.Start) && eventDate.Before(k.End)
}
