package model

// Family is the alignment family of a timeframe.
type Family string

const (
	FamilyRowCount         Family = "row_count"
	FamilyCalendar         Family = "calendar"
	FamilyCalendarAnchored Family = "calendar_anchored"
)

// Families lists every alignment family in dispatch order.
var Families = []Family{FamilyRowCount, FamilyCalendar, FamilyCalendarAnchored}

// Unit is the calendar unit a timeframe is measured in.
type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
	UnitYear  Unit = "year"
)

// Scheme selects the week start for calendar families.
type Scheme string

const (
	SchemeNone Scheme = ""
	SchemeUS   Scheme = "us"  // weeks start Sunday
	SchemeISO  Scheme = "iso" // weeks start Monday
)

// TimeframeSpec describes one timeframe label and how its bars are aligned.
type TimeframeSpec struct {
	TF                string `json:"tf"`
	Family            Family `json:"family"`
	Unit              Unit   `json:"unit"`
	Qty               int    `json:"qty"`
	TfDays            int    `json:"tf_days"`
	Canonical         bool   `json:"canonical"`
	Scheme            Scheme `json:"scheme,omitempty"`
	AllowPartialStart bool   `json:"allow_partial_start"`
	AllowPartialEnd   bool   `json:"allow_partial_end"`
}
