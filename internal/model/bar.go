package model

import (
	"strings"
	"time"
)

// BarSnapshot is the state of one bar as observed on one daily close.
// The full identity is (Asset, TF, BarSeq, TimeClose); several snapshots
// share a BarSeq while the bar is forming.
type BarSnapshot struct {
	Asset            string    `json:"id"`
	TF               string    `json:"tf"`
	BarSeq           int64     `json:"bar_seq"`
	TimeOpen         time.Time `json:"time_open"`
	TimeClose        time.Time `json:"time_close"`
	TimeHigh         time.Time `json:"time_high"`
	TimeLow          time.Time `json:"time_low"`
	Open             float64   `json:"open"`
	High             float64   `json:"high"`
	Low              float64   `json:"low"`
	Close            float64   `json:"close"`
	Volume           float64   `json:"volume"`
	IsPartialStart   bool      `json:"is_partial_start"`
	IsPartialEnd     bool      `json:"is_partial_end"`
	IsMissingDays    bool      `json:"is_missing_days"`
	CountMissingDays int       `json:"count_missing_days"`
	MissingDays      []string  `json:"missing_days"`
	CountDays        int       `json:"count_days"`
	TfDays           int       `json:"tf_days"`
	IngestedAt       time.Time `json:"ingested_at"`
}

// Canonical reports whether this snapshot is the bar's closing row.
func (b BarSnapshot) Canonical() bool { return !b.IsPartialEnd }

// ToRow encodes the snapshot with the column names downstream readers expect.
func (b BarSnapshot) ToRow() Row {
	return Row{
		"id":                 b.Asset,
		"tf":                 b.TF,
		"bar_seq":            b.BarSeq,
		"time_open":          ToMillis(b.TimeOpen),
		"time_close":         ToMillis(b.TimeClose),
		"time_high":          ToMillis(b.TimeHigh),
		"time_low":           ToMillis(b.TimeLow),
		"open":               b.Open,
		"high":               b.High,
		"low":                b.Low,
		"close":              b.Close,
		"volume":             b.Volume,
		"is_partial_start":   b.IsPartialStart,
		"is_partial_end":     b.IsPartialEnd,
		"is_missing_days":    b.IsMissingDays,
		"count_missing_days": int64(b.CountMissingDays),
		"missing_days":       strings.Join(b.MissingDays, ","),
		"count_days":         int64(b.CountDays),
		"tf_days":            int64(b.TfDays),
		"ingested_at":        ToMillis(b.IngestedAt),
	}
}

// BarFromRow decodes a stored snapshot row.
func BarFromRow(r Row) BarSnapshot {
	b := BarSnapshot{
		Asset:            r.String("id"),
		TF:               r.String("tf"),
		BarSeq:           r.Int("bar_seq"),
		TimeOpen:         FromMillis(r.Int("time_open")),
		TimeClose:        FromMillis(r.Int("time_close")),
		TimeHigh:         FromMillis(r.Int("time_high")),
		TimeLow:          FromMillis(r.Int("time_low")),
		Open:             r.Float("open"),
		High:             r.Float("high"),
		Low:              r.Float("low"),
		Close:            r.Float("close"),
		Volume:           r.Float("volume"),
		IsPartialStart:   r.Bool("is_partial_start"),
		IsPartialEnd:     r.Bool("is_partial_end"),
		IsMissingDays:    r.Bool("is_missing_days"),
		CountMissingDays: int(r.Int("count_missing_days")),
		CountDays:        int(r.Int("count_days")),
		TfDays:           int(r.Int("tf_days")),
		IngestedAt:       FromMillis(r.Int("ingested_at")),
	}
	if s := r.String("missing_days"); s != "" {
		b.MissingDays = strings.Split(s, ",")
	}
	return b
}
