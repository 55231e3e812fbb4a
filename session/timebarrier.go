package session

import "time"

// TimeBarrier filters events older than the session's boot epoch minus a
// grace period (spec.md §4.3), preventing back-fill of historical
// messages after a cold start or a heal.
type TimeBarrier struct {
	grace time.Duration
}

// NewTimeBarrier returns a TimeBarrier using the given grace period.
func NewTimeBarrier(grace time.Duration) *TimeBarrier {
	return &TimeBarrier{grace: grace}
}

// Accept returns false if timestampMillis is nonzero and strictly before
// bootEpoch - grace, otherwise true (spec.md §4.3).
func (b *TimeBarrier) Accept(timestampMillis int64, bootEpoch time.Time) bool {
	if timestampMillis == 0 {
		return true
	}
	cutoff := bootEpoch.Add(-b.grace).UnixMilli()
	return timestampMillis >= cutoff
}
