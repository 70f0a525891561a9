package timeutil

import "time"

// ISO8601 is the wallclock format used on every wire surface.
// Go time.Time values keep their monotonic reading internally, so
// elapsed-time math (lockout expiry, heartbeat deadlines) stays immune
// to wallclock jumps while the emitted stamp is plain UTC.
const ISO8601 = "2006-01-02T15:04:05.000Z07:00"

// Format renders t as ISO-8601 UTC.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// NowStamp returns the current time rendered as ISO-8601 UTC.
func NowStamp() string {
	return Format(time.Now())
}

// Clock abstracts time.Now for tests that need to steer the window math.
type Clock func() time.Time

// Now is the default Clock.
var Now Clock = time.Now
