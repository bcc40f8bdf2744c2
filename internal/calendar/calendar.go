// Package calendar implements calendar-correct date arithmetic for circle
// schedules. Monthly and quarterly steps land on the same day-of-month,
// clamped at month end (Jan 31 + 1 month = Feb 28/29).
package calendar

import (
	"errors"
	"strings"
	"time"
)

// Frequency is the contribution cadence of a circle.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyOneTime   Frequency = "one_time"
)

var ErrInvalidFrequency = errors.New("invalid_frequency")

// ParseFrequency normalizes and validates a frequency string.
func ParseFrequency(raw string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(raw)))
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyQuarterly, FrequencyOneTime:
		return f, nil
	default:
		return "", ErrInvalidFrequency
	}
}

// Add returns start advanced by n frequency steps.
func Add(start time.Time, freq Frequency, n int) (time.Time, error) {
	if n < 0 {
		return time.Time{}, errors.New("negative step count")
	}
	switch freq {
	case FrequencyDaily:
		return start.AddDate(0, 0, n), nil
	case FrequencyWeekly:
		return start.AddDate(0, 0, 7*n), nil
	case FrequencyBiweekly:
		return start.AddDate(0, 0, 14*n), nil
	case FrequencyMonthly:
		return addMonths(start, n), nil
	case FrequencyQuarterly:
		return addMonths(start, 3*n), nil
	case FrequencyOneTime:
		return start, nil
	default:
		return time.Time{}, ErrInvalidFrequency
	}
}

// addMonths preserves the day-of-month, clamping when the target month is
// shorter. time.AddDate alone normalizes Jan 31 + 1 month to Mar 2/3, which is
// wrong for due dates.
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysInMonth(target.Year(), target.Month())
	if day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// PerMonth returns how many contributions of the given frequency fall in one
// calendar month, used to normalize commitments to a monthly-equivalent figure.
func PerMonth(freq Frequency) float64 {
	switch freq {
	case FrequencyDaily:
		return 365.25 / 12
	case FrequencyWeekly:
		return 52.0 / 12
	case FrequencyBiweekly:
		return 26.0 / 12
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 1.0 / 3
	case FrequencyOneTime:
		return 1
	default:
		return 1
	}
}
