package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CountSet is observation counts per label (device types, actions,
// referrer categories). Addition is commutative and associative, so
// merge order never matters.
type CountSet map[string]int64

func (c CountSet) Add(label string, n int64) {
	if label == "" {
		return
	}
	c[label] += n
}

func (c CountSet) Merge(other CountSet) {
	for label, n := range other {
		c[label] += n
	}
}

// Mode returns the most frequent label. Ties break lexicographically so
// the result is deterministic regardless of apply order.
func (c CountSet) Mode() string {
	best := ""
	var bestCount int64
	for label, n := range c {
		if n > bestCount || (n == bestCount && (best == "" || label < best)) {
			best = label
			bestCount = n
		}
	}
	return best
}

// Labels returns the observed labels in sorted order.
func (c CountSet) Labels() []string {
	out := make([]string, 0, len(c))
	for label := range c {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// AvgState is running-average state kept as exact sum plus count, never
// a re-averaged float. Repeated small merges therefore cannot drift away
// from a full recompute.
type AvgState struct {
	Sum   decimal.Decimal
	Count int64
}

func (a *AvgState) Observe(v float64) {
	a.Sum = a.Sum.Add(decimal.NewFromFloat(v))
	a.Count++
}

func (a *AvgState) Merge(other AvgState) {
	a.Sum = a.Sum.Add(other.Sum)
	a.Count += other.Count
}

// Mean returns the average as a float for presentation. Zero when
// nothing was observed.
func (a AvgState) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	f, _ := a.Sum.Div(decimal.NewFromInt(a.Count)).Float64()
	return f
}

// pageMark tracks which page was seen at the edge of a time range. Ties
// on the timestamp break on the interaction ID so merges stay
// order-independent.
type pageMark struct {
	At   time.Time
	Page string
	ID   string
}

func (p pageMark) zero() bool { return p.At.IsZero() }

// earliest keeps the earlier of two marks; equal timestamps keep the
// smaller interaction ID.
func earliest(a, b pageMark) pageMark {
	switch {
	case a.zero():
		return b
	case b.zero():
		return a
	case b.At.Before(a.At):
		return b
	case a.At.Before(b.At):
		return a
	case b.ID < a.ID:
		return b
	default:
		return a
	}
}

// latest keeps the later of two marks; equal timestamps keep the larger
// interaction ID.
func latest(a, b pageMark) pageMark {
	switch {
	case a.zero():
		return b
	case b.zero():
		return a
	case b.At.After(a.At):
		return b
	case a.At.After(b.At):
		return a
	case b.ID > a.ID:
		return b
	default:
		return a
	}
}

func minTime(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
