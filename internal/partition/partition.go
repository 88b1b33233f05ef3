// Package partition maps (interval, timestamp) pairs to the calendar period
// file that owns them. Short intervals go to day files, longer intervals to
// week, month, quarter and year files so every period file stays in the same
// size ballpark.
package partition

import (
	"fmt"
	"time"

	"footprint-systemv1/internal/model"
)

// Pattern names the calendar granularity of a period file.
type Pattern string

const (
	PatternDay     Pattern = "day"
	PatternWeek    Pattern = "week"
	PatternMonth   Pattern = "month"
	PatternQuarter Pattern = "quarter"
	PatternYear    Pattern = "year"
)

// patternFor maps an interval to its period pattern.
var patternFor = map[string]Pattern{
	"1m":  PatternDay,
	"3m":  PatternDay,
	"5m":  PatternWeek,
	"15m": PatternWeek,
	"30m": PatternMonth,
	"1h":  PatternMonth,
	"2h":  PatternQuarter,
	"4h":  PatternQuarter,
	"8h":  PatternYear,
	"12h": PatternYear,
	"1d":  PatternYear,
}

// Partition identifies one period file and its time bounds (epoch ms, inclusive).
type Partition struct {
	Pattern Pattern
	Period  string // e.g. "2023-11-14", "2023-W46", "2023-11", "2023-Q4", "2023"
	StartTS int64
	EndTS   int64
}

// For computes the partition owning a timestamp for the given interval.
func For(interval string, ts int64) (Partition, error) {
	pat, ok := patternFor[interval]
	if !ok {
		return Partition{}, fmt.Errorf("partition: unsupported interval %q", interval)
	}
	t := time.UnixMilli(ts).UTC()

	switch pat {
	case PatternDay:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 1)
		return Partition{
			Pattern: pat,
			Period:  start.Format("2006-01-02"),
			StartTS: start.UnixMilli(),
			EndTS:   end.UnixMilli() - 1,
		}, nil

	case PatternWeek:
		// ISO week: the Thursday of the week determines the week-year.
		year, week := t.ISOWeek()
		start := isoWeekStart(t)
		end := start.AddDate(0, 0, 7)
		return Partition{
			Pattern: pat,
			Period:  fmt.Sprintf("%04d-W%02d", year, week),
			StartTS: start.UnixMilli(),
			EndTS:   end.UnixMilli() - 1,
		}, nil

	case PatternMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)
		return Partition{
			Pattern: pat,
			Period:  start.Format("2006-01"),
			StartTS: start.UnixMilli(),
			EndTS:   end.UnixMilli() - 1,
		}, nil

	case PatternQuarter:
		q := (int(t.Month()) - 1) / 3 // 0-based quarter
		start := time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 3, 0)
		return Partition{
			Pattern: pat,
			Period:  fmt.Sprintf("%04d-Q%d", t.Year(), q+1),
			StartTS: start.UnixMilli(),
			EndTS:   end.UnixMilli() - 1,
		}, nil

	default: // PatternYear
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(1, 0, 0)
		return Partition{
			Pattern: pat,
			Period:  fmt.Sprintf("%04d", t.Year()),
			StartTS: start.UnixMilli(),
			EndTS:   end.UnixMilli() - 1,
		}, nil
	}
}

// isoWeekStart returns 00:00 UTC of the Monday of t's ISO week.
func isoWeekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	wd := int(day.Weekday())
	if wd == 0 { // Sunday belongs to the preceding Monday-start week
		wd = 7
	}
	return day.AddDate(0, 0, -(wd - 1))
}

// Range yields every unique partition whose [StartTS, EndTS] overlaps
// [from, to], in ascending order. Returns an error for unknown intervals.
func Range(interval string, from, to int64) ([]Partition, error) {
	if to < from {
		return nil, nil
	}
	first, err := For(interval, from)
	if err != nil {
		return nil, err
	}
	parts := []Partition{first}
	cur := first
	for cur.EndTS < to {
		next, err := For(interval, cur.EndTS+1)
		if err != nil {
			return nil, err
		}
		parts = append(parts, next)
		cur = next
	}
	return parts, nil
}

// IntervalMS re-exports the interval duration for callers that already
// depend on partition.
func IntervalMS(interval string) int64 {
	return model.IntervalMS(interval)
}
