package subscriptions

import "time"

// advancePeriod moves a period boundary forward by one billing cycle with
// month-end clamping. time.AddDate normalizes an overflowing day into the
// next month (Jan 31 + 1 month = Mar 2), which would slowly walk a
// month-end anchor forward; clamping keeps Jan 31 renewing on Feb 29 in a
// leap year and Feb 28 otherwise.
func advancePeriod(t time.Time, cycle BillingCycle) time.Time {
	return addMonthsClamped(t, cycle.Months())
}

// NextPeriod returns the period that begins when the current one ends.
func (s *Subscription) NextPeriod() (start, end time.Time) {
	start = s.CurrentPeriodEnd
	return start, advancePeriod(start, s.BillingCycle)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	target := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	if last := daysInMonth(target.Year(), target.Month()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
