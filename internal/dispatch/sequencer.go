package dispatch

import (
	"time"

	"github.com/banshee-data/fusion.report/internal/monitoring"
)

// ClampEpsilon is the minimum step applied when an out-of-order event time is
// clamped forward to preserve per-source monotonicity.
const ClampEpsilon = time.Microsecond

var clampedCounter = monitoring.NewCounter("parser_clamped_timestamps")

// Sequencer enforces the per-source invariant that event timestamps are
// monotonically non-decreasing. An observation that arrives with an earlier
// event time is kept but clamped to the previous timestamp plus ClampEpsilon.
// Each parser owns one Sequencer; it is not safe for concurrent use.
type Sequencer struct {
	last time.Time
}

// Clamp returns the timestamp to emit for t and whether it was adjusted.
func (s *Sequencer) Clamp(t time.Time) (time.Time, bool) {
	if s.last.IsZero() || !t.Before(s.last) {
		s.last = t
		return t, false
	}
	clamped := s.last.Add(ClampEpsilon)
	s.last = clamped
	clampedCounter.Inc()
	return clamped, true
}
