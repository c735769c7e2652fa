package model

import "time"

// RefreshWatermark is the persisted cursor of one derived artifact.
// Bars key it by (Asset, TF); EMA keys it by (Asset, TF, Period).
// It is always passed by value.
type RefreshWatermark struct {
	Asset         string    `json:"id"`
	TF            string    `json:"tf"`
	Period        int       `json:"period,omitempty"`
	DailyMinSeen  time.Time `json:"daily_min_seen"`
	DailyMaxSeen  time.Time `json:"daily_max_seen"`
	LastBarSeq    int64     `json:"last_bar_seq"`
	LastTimeClose time.Time `json:"last_time_close"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasBars reports whether the artifact emitted at least one bar.
func (w RefreshWatermark) HasBars() bool { return w.LastBarSeq >= 0 && !w.LastTimeClose.IsZero() }

// ToRow encodes the watermark for a key/value table.
func (w RefreshWatermark) ToRow(withPeriod bool) Row {
	r := Row{
		"id":              w.Asset,
		"tf":              w.TF,
		"daily_min_seen":  ToMillis(w.DailyMinSeen),
		"daily_max_seen":  ToMillis(w.DailyMaxSeen),
		"last_bar_seq":    w.LastBarSeq,
		"last_time_close": ToMillis(w.LastTimeClose),
		"updated_at":      ToMillis(w.UpdatedAt),
	}
	if withPeriod {
		r["period"] = int64(w.Period)
	}
	return r
}

// WatermarkFromRow decodes a stored watermark row.
func WatermarkFromRow(r Row) RefreshWatermark {
	return RefreshWatermark{
		Asset:         r.String("id"),
		TF:            r.String("tf"),
		Period:        int(r.Int("period")),
		DailyMinSeen:  FromMillis(r.Int("daily_min_seen")),
		DailyMaxSeen:  FromMillis(r.Int("daily_max_seen")),
		LastBarSeq:    r.Int("last_bar_seq"),
		LastTimeClose: FromMillis(r.Int("last_time_close")),
		UpdatedAt:     FromMillis(r.Int("updated_at")),
	}
}
