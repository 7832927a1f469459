package token

import "time"

// Clock supplies the reference time for all expiry and issued-at decisions.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the wall clock, truncated to seconds like the NumericDate claims it is compared to.
var SystemClock Clock = ClockFunc(func() time.Time {
	return time.Now().Truncate(time.Second)
})

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
