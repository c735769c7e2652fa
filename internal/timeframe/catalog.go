// Package timeframe holds the static timeframe catalog and the calendar grid
// used by the calendar bar families.
//
// Labels follow one convention per family:
//
//	row_count          <n>D                 e.g. 3D, 21D
//	calendar           <n>W_CAL_US|ISO      e.g. 1W_CAL_ISO
//	                   <n>M_CAL, <n>Y_CAL
//	calendar_anchored  <n>W_ANCHOR_US|ISO   e.g. 2W_ANCHOR_ISO
//	                   <n>M_ANCHOR, <n>Y_ANCHOR
package timeframe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tfbars/internal/model"
)

// Catalog is an immutable lookup over timeframe specs.
type Catalog struct {
	specs []model.TimeframeSpec
	byTF  map[string]model.TimeframeSpec
}

// New builds a catalog from specs. Duplicate labels are rejected.
func New(specs []model.TimeframeSpec) (*Catalog, error) {
	c := &Catalog{byTF: make(map[string]model.TimeframeSpec, len(specs))}
	for _, s := range specs {
		if _, dup := c.byTF[s.TF]; dup {
			return nil, fmt.Errorf("timeframe: duplicate label %s", s.TF)
		}
		c.byTF[s.TF] = s
		c.specs = append(c.specs, s)
	}
	return c, nil
}

// FromLabels parses every label into a catalog.
func FromLabels(labels []string) (*Catalog, error) {
	specs := make([]model.TimeframeSpec, 0, len(labels))
	for _, l := range labels {
		s, err := Parse(l)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return New(specs)
}

// Default returns the catalog shipped with the engine.
func Default() *Catalog {
	labels := []string{
		"1D", "2D", "3D", "5D", "7D", "10D", "14D", "21D", "30D", "63D", "126D", "252D",
		"1W_CAL_US", "1W_CAL_ISO", "2W_CAL_ISO", "4W_CAL_ISO",
		"1M_CAL", "3M_CAL", "6M_CAL", "1Y_CAL",
		"1W_ANCHOR_US", "1W_ANCHOR_ISO", "2W_ANCHOR_ISO",
		"1M_ANCHOR", "3M_ANCHOR", "1Y_ANCHOR",
	}
	nonCanonical := map[string]bool{"2D": true, "4W_CAL_ISO": true, "6M_CAL": true, "1W_ANCHOR_US": true}
	specs := make([]model.TimeframeSpec, 0, len(labels))
	for _, l := range labels {
		s, err := Parse(l)
		if err != nil {
			panic(err)
		}
		s.Canonical = !nonCanonical[l]
		specs = append(specs, s)
	}
	c, err := New(specs)
	if err != nil {
		panic(err)
	}
	return c
}

// ListSpecs returns specs of family (all families when empty), in catalog
// order, optionally only the canonical ones.
func (c *Catalog) ListSpecs(family model.Family, canonicalOnly bool) []model.TimeframeSpec {
	var out []model.TimeframeSpec
	for _, s := range c.specs {
		if family != "" && s.Family != family {
			continue
		}
		if canonicalOnly && !s.Canonical {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Lookup returns the spec for a label.
func (c *Catalog) Lookup(tf string) (model.TimeframeSpec, bool) {
	s, ok := c.byTF[tf]
	return s, ok
}

// Restrict returns a catalog holding only the given labels. Labels missing
// from c are parsed on the fly.
func (c *Catalog) Restrict(labels []string) (*Catalog, error) {
	if len(labels) == 0 {
		return c, nil
	}
	specs := make([]model.TimeframeSpec, 0, len(labels))
	for _, l := range labels {
		if s, ok := c.byTF[l]; ok {
			specs = append(specs, s)
			continue
		}
		s, err := Parse(l)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return New(specs)
}

// Labels returns all labels sorted.
func (c *Catalog) Labels() []string {
	out := make([]string, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s.TF)
	}
	sort.Strings(out)
	return out
}

// Parse decodes a timeframe label into a spec. Parsed specs are canonical.
func Parse(label string) (model.TimeframeSpec, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(label)), "_")
	head := parts[0]
	if len(head) < 2 {
		return model.TimeframeSpec{}, fmt.Errorf("timeframe: bad label %q", label)
	}
	qty, err := strconv.Atoi(head[:len(head)-1])
	if err != nil || qty <= 0 {
		return model.TimeframeSpec{}, fmt.Errorf("timeframe: bad quantity in %q", label)
	}
	spec := model.TimeframeSpec{TF: strings.ToUpper(strings.TrimSpace(label)), Qty: qty, Canonical: true, AllowPartialEnd: true}

	switch head[len(head)-1] {
	case 'D':
		spec.Unit = model.UnitDay
		spec.TfDays = qty
	case 'W':
		spec.Unit = model.UnitWeek
		spec.TfDays = 7 * qty
	case 'M':
		spec.Unit = model.UnitMonth
		spec.TfDays = 30 * qty
	case 'Y':
		spec.Unit = model.UnitYear
		spec.TfDays = 365 * qty
	default:
		return model.TimeframeSpec{}, fmt.Errorf("timeframe: bad unit in %q", label)
	}

	if len(parts) == 1 {
		if spec.Unit != model.UnitDay {
			return model.TimeframeSpec{}, fmt.Errorf("timeframe: %q needs a _CAL or _ANCHOR suffix", label)
		}
		spec.Family = model.FamilyRowCount
		return spec, nil
	}
	if spec.Unit == model.UnitDay {
		return model.TimeframeSpec{}, fmt.Errorf("timeframe: day timeframes are row-count only, got %q", label)
	}

	switch parts[1] {
	case "CAL":
		spec.Family = model.FamilyCalendar
	case "ANCHOR":
		spec.Family = model.FamilyCalendarAnchored
		spec.AllowPartialStart = true
	default:
		return model.TimeframeSpec{}, fmt.Errorf("timeframe: unknown family %q in %q", parts[1], label)
	}

	rest := parts[2:]
	if spec.Unit == model.UnitWeek {
		if len(rest) != 1 {
			return model.TimeframeSpec{}, fmt.Errorf("timeframe: week label %q needs _US or _ISO", label)
		}
		switch rest[0] {
		case "US":
			spec.Scheme = model.SchemeUS
		case "ISO":
			spec.Scheme = model.SchemeISO
		default:
			return model.TimeframeSpec{}, fmt.Errorf("timeframe: unknown scheme %q in %q", rest[0], label)
		}
	} else if len(rest) != 0 {
		return model.TimeframeSpec{}, fmt.Errorf("timeframe: unexpected suffix in %q", label)
	}
	return spec, nil
}
