package quota

import (
	"math"
	"time"
)

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PeriodAt returns the billing period containing now for an organization that
// resets on resetDay. A reset day past the end of a short month lands on that
// month's last day. Periods are computed in UTC.
func PeriodAt(now time.Time, resetDay int) Period {
	now = now.UTC()
	if resetDay < 1 {
		resetDay = 1
	}
	if resetDay > 31 {
		resetDay = 31
	}

	start := anchor(now.Year(), now.Month(), resetDay)
	if start.After(now) {
		start = anchor(now.Year(), now.Month()-1, resetDay)
	}
	return Period{
		Start: start,
		End:   anchor(start.Year(), start.Month()+1, resetDay),
	}
}

// anchor returns midnight UTC of resetDay in the given month, clamped to the
// month length. Month overflow is normalized by time.Date.
func anchor(year int, month time.Month, resetDay int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	day := resetDay
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DaysRemaining counts started days left until End.
func (p Period) DaysRemaining(now time.Time) int {
	left := p.End.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}
