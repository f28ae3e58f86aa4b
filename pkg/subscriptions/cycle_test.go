package subscriptions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAdvancePeriodMonthly(t *testing.T) {
	cases := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"mid month", date(2024, 6, 15), date(2024, 7, 15)},
		{"leap year month end", date(2024, 1, 31), date(2024, 2, 29)},
		{"non leap month end", date(2023, 1, 31), date(2023, 2, 28)},
		{"31st into 30 day month", date(2024, 3, 31), date(2024, 4, 30)},
		{"year rollover", date(2024, 12, 31), date(2025, 1, 31)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, advancePeriod(tc.from, CycleMonthly))
		})
	}
}

func TestAdvancePeriodClampedDateStaysClamped(t *testing.T) {
	// Once a month-end start clamps, later periods derive from the
	// clamped date rather than re-expanding to the original day.
	end := date(2024, 1, 31)
	want := []time.Time{date(2024, 2, 29), date(2024, 3, 29), date(2024, 4, 29)}
	for _, w := range want {
		end = advancePeriod(end, CycleMonthly)
		assert.Equal(t, w, end)
	}
}

func TestAdvancePeriodQuarterly(t *testing.T) {
	assert.Equal(t, date(2024, 2, 29), advancePeriod(date(2023, 11, 30), CycleQuarterly))
	assert.Equal(t, date(2024, 4, 30), advancePeriod(date(2024, 1, 31), CycleQuarterly))
	assert.Equal(t, date(2025, 1, 15), advancePeriod(date(2024, 10, 15), CycleQuarterly))
}

func TestAdvancePeriodYearly(t *testing.T) {
	// A Feb 29 anchor clamps to Feb 28 in the following non-leap year.
	assert.Equal(t, date(2025, 2, 28), advancePeriod(date(2024, 2, 29), CycleYearly))
	assert.Equal(t, date(2025, 6, 1), advancePeriod(date(2024, 6, 1), CycleYearly))
}

func TestAdvancePeriodPreservesClock(t *testing.T) {
	from := time.Date(2024, 1, 31, 9, 30, 15, 0, time.UTC)
	got := advancePeriod(from, CycleMonthly)
	assert.Equal(t, time.Date(2024, 2, 29, 9, 30, 15, 0, time.UTC), got)
}
