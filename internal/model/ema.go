package model

import (
	"math"
	"time"
)

// EmaPoint is one EMA row keyed by (Asset, TF, Period, TS).
// Canonical-only fields are nil on rows where they are undefined.
type EmaPoint struct {
	Asset      string    `json:"id"`
	TF         string    `json:"tf"`
	Period     int       `json:"period"`
	TS         time.Time `json:"ts"`
	BarSeq     int64     `json:"bar_seq"`
	Close      float64   `json:"close"`
	Ema        *float64  `json:"ema"`
	D1         *float64  `json:"d1"`
	D2         *float64  `json:"d2"`
	EmaBar     *float64  `json:"ema_bar"`
	D1Bar      *float64  `json:"d1_bar"`
	D2Bar      *float64  `json:"d2_bar"`
	Roll       bool      `json:"roll"`
	TfDays     int       `json:"tf_days"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ToRow encodes the point. Nil values stay nil so stores write NULL.
func (p EmaPoint) ToRow() Row {
	return Row{
		"id":          p.Asset,
		"tf":          p.TF,
		"period":      int64(p.Period),
		"ts":          ToMillis(p.TS),
		"bar_seq":     p.BarSeq,
		"close":       p.Close,
		"ema":         nullable(p.Ema),
		"d1":          nullable(p.D1),
		"d2":          nullable(p.D2),
		"ema_bar":     nullable(p.EmaBar),
		"d1_bar":      nullable(p.D1Bar),
		"d2_bar":      nullable(p.D2Bar),
		"roll":        p.Roll,
		"tf_days":     int64(p.TfDays),
		"ingested_at": ToMillis(p.IngestedAt),
	}
}

// EmaFromRow decodes a stored point.
func EmaFromRow(r Row) EmaPoint {
	return EmaPoint{
		Asset:      r.String("id"),
		TF:         r.String("tf"),
		Period:     int(r.Int("period")),
		TS:         FromMillis(r.Int("ts")),
		BarSeq:     r.Int("bar_seq"),
		Close:      r.Float("close"),
		Ema:        r.FloatPtr("ema"),
		D1:         r.FloatPtr("d1"),
		D2:         r.FloatPtr("d2"),
		EmaBar:     r.FloatPtr("ema_bar"),
		D1Bar:      r.FloatPtr("d1_bar"),
		D2Bar:      r.FloatPtr("d2_bar"),
		Roll:       r.Bool("roll"),
		TfDays:     int(r.Int("tf_days")),
		IngestedAt: FromMillis(r.Int("ingested_at")),
	}
}

func nullable(v *float64) any {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return *v
}
