package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock pinned to one instant, used by throttle and time-window tests.
type Fixed time.Time

// Now returns pinned instant.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}

// EpochSeconds converts time into float epoch seconds as stored in records.
// Params: time value.
// Returns: seconds since unix epoch with sub-second fraction.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds converts float epoch seconds back to UTC time.
// Params: seconds since unix epoch.
// Returns: UTC time.
func FromEpochSeconds(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}
