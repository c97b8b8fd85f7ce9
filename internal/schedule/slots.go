package schedule

// Window describes a clinic's working hours for one day. The lunch break is
// only honoured when both ends are set and LunchStart < LunchEnd.
type Window struct {
	Open       Clock
	Close      Clock
	LunchStart *Clock
	LunchEnd   *Clock
}

func (w Window) hasLunch() bool {
	return w.LunchStart != nil && w.LunchEnd != nil && *w.LunchStart < *w.LunchEnd
}

// GenerateSlots returns the ordered start times t with open <= t and
// t+duration <= close, stepping by duration. With a lunch break the morning
// segment ends at lunch start and the afternoon segment restarts stepping at
// lunch end, so afternoon alignment does not depend on the morning grid.
func GenerateSlots(w Window, duration int) []Clock {
	slots := make([]Clock, 0)
	if duration <= 0 || w.Close <= w.Open {
		return slots
	}

	if !w.hasLunch() {
		return appendSegment(slots, w.Open, w.Close, duration)
	}

	morningEnd := minClock(*w.LunchStart, w.Close)
	slots = appendSegment(slots, w.Open, morningEnd, duration)

	afternoonStart := maxClock(*w.LunchEnd, w.Open)
	return appendSegment(slots, afternoonStart, w.Close, duration)
}

func appendSegment(slots []Clock, from, to Clock, duration int) []Clock {
	for t := from; t.Add(duration) <= to; t = t.Add(duration) {
		slots = append(slots, t)
	}
	return slots
}

func minClock(a, b Clock) Clock {
	if a < b {
		return a
	}
	return b
}

func maxClock(a, b Clock) Clock {
	if a > b {
		return a
	}
	return b
}
