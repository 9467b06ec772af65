package money

import (
	"testing"
	"time"
)

func TestRound2(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0, 0},
		{25.5, 25.5},
		{5.1000000000000005, 5.1},
		{20.4 * 0.07, 1.43},
		{1.005 * 100 / 100, 1.0},
		{2.675, 2.67}, // 2.675*100 is 267.49999... in float64
		{19.999, 20.0},
		{0.004, 0.0},
		{0.005, 0.01},
	}

	for _, tc := range cases {
		if got := Round2(tc.in); got != tc.want {
			t.Errorf("Round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMonthKey(t *testing.T) {
	cases := []struct {
		date time.Time
		want string
	}{
		{time.Date(2024, time.February, 15, 12, 0, 0, 0, time.UTC), "2024-02"},
		{time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC), "2024-12"},
		{time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), "2025-01"},
	}

	for _, tc := range cases {
		if got := MonthKey(tc.date); got != tc.want {
			t.Errorf("MonthKey(%v) = %q, want %q", tc.date, got, tc.want)
		}
	}
}

func TestPeriodRangeLeapFebruary(t *testing.T) {
	start, end, err := PeriodRange("2024-02")
	if err != nil {
		t.Fatalf("PeriodRange returned error: %v", err)
	}

	wantStart := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}

	wantEnd := time.Date(2024, time.February, 29, 23, 59, 59, 999000000, time.UTC)
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestPeriodRangeDecemberRollover(t *testing.T) {
	_, end, err := PeriodRange("2023-12")
	if err != nil {
		t.Fatalf("PeriodRange returned error: %v", err)
	}

	wantEnd := time.Date(2023, time.December, 31, 23, 59, 59, 999000000, time.UTC)
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestPeriodRangeInvalidKey(t *testing.T) {
	for _, key := range []string{"", "2024", "2024-13", "2024-00", "banana"} {
		if _, _, err := PeriodRange(key); err == nil {
			t.Errorf("PeriodRange(%q) expected error, got nil", key)
		}
	}
}
