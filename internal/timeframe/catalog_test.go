package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfbars/internal/model"
)

func day(y int, m time.Month, d int) int64 {
	return model.DayNumber(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func TestParse(t *testing.T) {
	s, err := Parse("3D")
	require.NoError(t, err)
	assert.Equal(t, model.FamilyRowCount, s.Family)
	assert.Equal(t, 3, s.Qty)
	assert.Equal(t, 3, s.TfDays)

	s, err = Parse("1W_CAL_ISO")
	require.NoError(t, err)
	assert.Equal(t, model.FamilyCalendar, s.Family)
	assert.Equal(t, model.SchemeISO, s.Scheme)
	assert.Equal(t, 7, s.TfDays)
	assert.False(t, s.AllowPartialStart)

	s, err = Parse("3M_ANCHOR")
	require.NoError(t, err)
	assert.Equal(t, model.FamilyCalendarAnchored, s.Family)
	assert.Equal(t, model.UnitMonth, s.Unit)
	assert.True(t, s.AllowPartialStart)

	for _, bad := range []string{"", "D", "0D", "1W", "1D_CAL", "1W_CAL", "1M_CAL_ISO", "1X", "1W_FOO_US"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestListSpecs(t *testing.T) {
	c := Default()
	all := c.ListSpecs("", false)
	canon := c.ListSpecs("", true)
	assert.Greater(t, len(all), len(canon))

	for _, s := range c.ListSpecs(model.FamilyCalendarAnchored, false) {
		assert.Equal(t, model.FamilyCalendarAnchored, s.Family)
	}
	for _, s := range c.ListSpecs(model.FamilyRowCount, true) {
		assert.True(t, s.Canonical)
		assert.NotEqual(t, "2D", s.TF)
	}
}

func TestNew_RejectsDuplicates(t *testing.T) {
	s, _ := Parse("3D")
	_, err := New([]model.TimeframeSpec{s, s})
	assert.Error(t, err)
}

func TestWindowOf_Weeks(t *testing.T) {
	iso, _ := Parse("1W_CAL_ISO")
	us, _ := Parse("1W_CAL_US")

	// Wednesday 2024-01-10
	w, err := WindowOf(iso, day(2024, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, day(2024, 1, 8), w.Start) // Monday
	assert.Equal(t, day(2024, 1, 14), w.End)

	w, err = WindowOf(us, day(2024, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, day(2024, 1, 7), w.Start) // Sunday
	assert.Equal(t, day(2024, 1, 13), w.End)

	two, _ := Parse("2W_ANCHOR_ISO")
	a, _ := WindowOf(two, day(2024, 1, 10))
	b, _ := WindowOf(two, a.End+1)
	assert.Equal(t, 14, a.Days())
	assert.Equal(t, a.End+1, b.Start)
	assert.True(t, a.Contains(day(2024, 1, 10)))
}

func TestWindowOf_MonthsAndYears(t *testing.T) {
	m, _ := Parse("1M_CAL")
	w, err := WindowOf(m, day(2024, 2, 15))
	require.NoError(t, err)
	assert.Equal(t, day(2024, 2, 1), w.Start)
	assert.Equal(t, day(2024, 2, 29), w.End)

	q, _ := Parse("3M_CAL")
	w, _ = WindowOf(q, day(2024, 5, 20))
	assert.Equal(t, day(2024, 4, 1), w.Start)
	assert.Equal(t, day(2024, 6, 30), w.End)

	y, _ := Parse("1Y_ANCHOR")
	w, _ = WindowOf(y, day(2023, 7, 4))
	assert.Equal(t, day(2023, 1, 1), w.Start)
	assert.Equal(t, day(2023, 12, 31), w.End)
}

func TestFirstFullWindow(t *testing.T) {
	m, _ := Parse("1M_CAL")
	w, err := FirstFullWindow(m, day(2024, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, day(2024, 1, 1), w.Start)

	w, _ = FirstFullWindow(m, day(2024, 1, 2))
	assert.Equal(t, day(2024, 2, 1), w.Start)
}
