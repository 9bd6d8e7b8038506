package domain

import (
	"strings"
	"time"
)

// Interval is the reset cadence of a grant.
type Interval string

const (
	IntervalDay        Interval = "day"
	IntervalWeek       Interval = "week"
	IntervalMonth      Interval = "month"
	IntervalQuarter    Interval = "quarter"
	IntervalSemiAnnual Interval = "semi_annual"
	IntervalYear       Interval = "year"
	IntervalLifetime   Interval = "lifetime"
)

func ParseInterval(raw string) (Interval, error) {
	interval := Interval(strings.ToLower(strings.TrimSpace(raw)))
	if !interval.Valid() {
		return "", ErrInvalidInterval
	}
	return interval, nil
}

func (i Interval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalQuarter,
		IntervalSemiAnnual, IntervalYear, IntervalLifetime:
		return true
	default:
		return false
	}
}

func (i Interval) IsLifetime() bool {
	return i == IntervalLifetime
}

// Advance moves t forward by count intervals. Lifetime returns t unchanged.
func (i Interval) Advance(t time.Time, count int) time.Time {
	if count <= 0 {
		count = 1
	}
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, count)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count)
	case IntervalMonth:
		return t.AddDate(0, count, 0)
	case IntervalQuarter:
		return t.AddDate(0, 3*count, 0)
	case IntervalSemiAnnual:
		return t.AddDate(0, 6*count, 0)
	case IntervalYear:
		return t.AddDate(count, 0, 0)
	default:
		return t
	}
}
