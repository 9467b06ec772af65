// Package money holds the currency rounding and statement-period helpers
// shared by the invoice deriver and the monthly aggregator. Every monetary
// value written to the store passes through Round2 so float drift never
// reaches a persisted field.
package money

import (
	"fmt"
	"math"
	"time"
)

// Round2 rounds to the nearest cent, half away from zero.
func Round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// MonthKey formats a date as "YYYY-MM" with a zero-padded month.
func MonthKey(date time.Time) string {
	return fmt.Sprintf("%04d-%02d", date.Year(), int(date.Month()))
}

// PeriodRange returns the inclusive UTC window for a "YYYY-MM" key: the
// first instant of day 1 through 23:59:59.999 of the last day. The end is
// derived from day 0 of the following month, which handles year rollover.
func PeriodRange(monthKey string) (start, end time.Time, err error) {
	var year, month int
	if _, err = fmt.Sscanf(monthKey, "%d-%d", &year, &month); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month key %q: %w", monthKey, err)
	}
	if month < 1 || month > 12 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month key %q: month out of range", monthKey)
	}
	start = time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end = time.Date(year, time.Month(month)+1, 0, 23, 59, 59, 999000000, time.UTC)
	return start, end, nil
}
