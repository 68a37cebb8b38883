package dispatch

import "time"

// AddBusinessDays moves n weekdays forward from start, skipping Saturdays and
// Sundays. There is no holiday calendar. n <= 0 returns start unchanged.
func AddBusinessDays(start time.Time, n int) time.Time {
	d := start
	for added := 0; added < n; {
		d = d.AddDate(0, 0, 1)
		if IsBusinessDay(d) {
			added++
		}
	}
	return d
}

// IsBusinessDay reports whether t falls Monday through Friday.
func IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}
