package quota

import "time"

// PeriodKey returns the usage period containing t, formatted YYYY-MM in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextPeriodStart returns the first instant of the period after the one
// containing t.
func NextPeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
