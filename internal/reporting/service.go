package reporting

import (
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

// Service is the read-only reporting surface over the committed
// aggregates. It holds no state of its own: every endpoint is a keyed
// lookup or range scan against the aggregate reader.
type Service struct {
	reader storage.AggregateReader

	// maxRangeDays caps daily report scans.
	maxRangeDays int
}

func NewService(reader storage.AggregateReader, maxRangeDays int) *Service {
	if reader == nil {
		panic("reporting: aggregate reader must not be nil")
	}
	if maxRangeDays <= 0 {
		maxRangeDays = 92
	}
	return &Service{
		reader:       reader,
		maxRangeDays: maxRangeDays,
	}
}
