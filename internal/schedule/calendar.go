package schedule

import "time"

var weekdayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Period is an inclusive range of calendar dates.
type Period struct {
	Start time.Time
	End   time.Time
}

// WeekdayIndex numbers weekdays from 0=Monday to 6=Sunday, the convention
// used by clinic work_days.
func WeekdayIndex(d time.Time) int {
	return (int(d.Weekday()) + 6) % 7
}

func WeekdayName(d time.Time) string {
	return weekdayNames[WeekdayIndex(d)]
}

func IsWorkDay(workDays []int, d time.Time) bool {
	idx := WeekdayIndex(d)
	for _, wd := range workDays {
		if wd == idx {
			return true
		}
	}
	return false
}

// IsDateBlocked reports whether d equals a blocked date or falls inside any
// period's inclusive bounds. Overlapping periods are fine.
func IsDateBlocked(blockedDates []time.Time, periods []Period, d time.Time) bool {
	day := DateOf(d)
	for _, b := range blockedDates {
		if DateOf(b).Equal(day) {
			return true
		}
	}
	for _, p := range periods {
		if !day.Before(DateOf(p.Start)) && !day.After(DateOf(p.End)) {
			return true
		}
	}
	return false
}

// EnumerateDates returns n consecutive calendar days starting at from.
func EnumerateDates(from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	start := DateOf(from)
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, start.AddDate(0, 0, i))
	}
	return out
}
