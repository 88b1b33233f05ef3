package model

// Supported candle intervals and their durations in milliseconds.
var intervalMS = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
}

// IntervalMS returns the duration of an interval in milliseconds,
// or 0 if the interval is unknown.
func IntervalMS(interval string) int64 {
	return intervalMS[interval]
}

// ValidInterval reports whether the interval string is supported.
func ValidInterval(interval string) bool {
	_, ok := intervalMS[interval]
	return ok
}

// Intervals returns all supported intervals, shortest first.
func Intervals() []string {
	return []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "8h", "12h", "1d"}
}

// IntervalStart aligns a timestamp (epoch ms) down to the interval grid.
func IntervalStart(interval string, ts int64) int64 {
	ms := IntervalMS(interval)
	if ms <= 0 {
		return ts
	}
	return ts - ts%ms
}
