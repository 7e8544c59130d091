package deadline

import "time"

// Midnight truncates t to the start of its calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// TriggerDate is the first calendar day a reminder may fire: offsetDays
// before due.
func TriggerDate(due time.Time, offsetDays int, loc *time.Location) time.Time {
	return Midnight(due, loc).AddDate(0, 0, -offsetDays)
}

// ShouldFire reports whether a reminder window is open and not yet served.
// Comparisons are by calendar day in loc; lastServedAt on or after the
// trigger day closes the window.
func ShouldFire(due time.Time, offsetDays int, lastServedAt *time.Time, today time.Time, loc *time.Location) bool {
	trigger := TriggerDate(due, offsetDays, loc)
	if Midnight(today, loc).Before(trigger) {
		return false
	}
	if lastServedAt != nil && !lastServedAt.Before(trigger) {
		return false
	}
	return true
}

// IsPast reports whether due is strictly before today's calendar day.
func IsPast(due, today time.Time, loc *time.Location) bool {
	return Midnight(due, loc).Before(Midnight(today, loc))
}
