package model

import "time"

// DailyBar is one row of the upstream daily OHLCV series for an asset.
// TS is the daily close time and identifies the local calendar day.
type DailyBar struct {
	Asset     string    `json:"id"`
	TS        time.Time `json:"ts"`
	TimeOpen  time.Time `json:"time_open"`
	TimeHigh  time.Time `json:"time_high"`
	TimeLow   time.Time `json:"time_low"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Day returns the day number (days since 1970-01-01 UTC) of the row.
func (d DailyBar) Day() int64 {
	return DayNumber(d.TS)
}

// DailyRange is the observed [Min, Max] timestamp range of a series.
type DailyRange struct {
	Min time.Time `json:"min"`
	Max time.Time `json:"max"`
}

// DayNumber converts a timestamp to days since the Unix epoch (UTC).
func DayNumber(t time.Time) int64 {
	sec := t.UTC().Unix()
	if sec < 0 && sec%86400 != 0 {
		return sec/86400 - 1
	}
	return sec / 86400
}

// DayTime converts a day number back to midnight UTC of that day.
func DayTime(day int64) time.Time {
	return time.Unix(day*86400, 0).UTC()
}

// ToMillis encodes a timestamp the way every table stores it.
// The zero time encodes to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
