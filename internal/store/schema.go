// Package store defines the table layout shared by every TableStore backend.
package store

import (
	"fmt"
	"strings"

	"tfbars/internal/model"
)

// ColType is the logical type of a column.
type ColType int

const (
	Int ColType = iota
	Real
	Text
	Bool
)

// Column is one column of a table.
type Column struct {
	Name string
	Type ColType
}

// Table describes a keyed table.
type Table struct {
	Name    string
	Columns []Column
	Key     []string
}

// ColumnNames returns the column names in schema order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// TypeOf returns the type of a column.
func (t Table) TypeOf(name string) (ColType, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	return 0, false
}

const (
	DailyPrices     = "daily_prices"
	BarState        = "bar_refresh_state"
	EmaState        = "ema_refresh_state"
	BarsUnified     = "bars_unified"
	EmaUnified      = "ema_unified"
	AlignmentSource = "alignment_source"
)

// BarTable returns the snapshot table of an alignment family.
func BarTable(f model.Family) string { return "bars_" + string(f) }

// EmaTable returns the EMA table of an alignment family.
func EmaTable(f model.Family) string { return "ema_" + string(f) }

// BarKey is the full identity of a bar snapshot.
var BarKey = []string{"id", "tf", "bar_seq", "time_close"}

// EmaKey is the full identity of an EMA point.
var EmaKey = []string{"id", "tf", "period", "ts"}

var barColumns = []Column{
	{"id", Text}, {"tf", Text}, {"bar_seq", Int},
	{"time_open", Int}, {"time_close", Int}, {"time_high", Int}, {"time_low", Int},
	{"open", Real}, {"high", Real}, {"low", Real}, {"close", Real}, {"volume", Real},
	{"is_partial_start", Bool}, {"is_partial_end", Bool}, {"is_missing_days", Bool},
	{"count_missing_days", Int}, {"missing_days", Text}, {"count_days", Int}, {"tf_days", Int},
	{"ingested_at", Int},
}

var emaColumns = []Column{
	{"id", Text}, {"tf", Text}, {"period", Int}, {"ts", Int}, {"bar_seq", Int}, {"close", Real},
	{"ema", Real}, {"d1", Real}, {"d2", Real},
	{"ema_bar", Real}, {"d1_bar", Real}, {"d2_bar", Real},
	{"roll", Bool}, {"tf_days", Int}, {"ingested_at", Int},
}

var stateColumns = []Column{
	{"id", Text}, {"tf", Text},
	{"daily_min_seen", Int}, {"daily_max_seen", Int},
	{"last_bar_seq", Int}, {"last_time_close", Int}, {"updated_at", Int},
}

// Tables returns every table the engine uses.
func Tables() []Table {
	tables := []Table{
		{
			Name: DailyPrices,
			Columns: []Column{
				{"id", Text}, {"ts", Int}, {"time_open", Int}, {"time_high", Int}, {"time_low", Int},
				{"open", Real}, {"high", Real}, {"low", Real}, {"close", Real}, {"volume", Real},
			},
			Key: []string{"id", "ts"},
		},
		{Name: BarState, Columns: stateColumns, Key: []string{"id", "tf"}},
		{
			Name:    EmaState,
			Columns: append([]Column{{"id", Text}, {"tf", Text}, {"period", Int}}, stateColumns[2:]...),
			Key:     []string{"id", "tf", "period"},
		},
	}
	for _, f := range model.Families {
		tables = append(tables,
			Table{Name: BarTable(f), Columns: barColumns, Key: BarKey},
			Table{Name: EmaTable(f), Columns: emaColumns, Key: EmaKey},
		)
	}
	tables = append(tables,
		Table{Name: BarsUnified, Columns: withTag(barColumns), Key: append(append([]string{}, BarKey...), AlignmentSource)},
		Table{Name: EmaUnified, Columns: withTag(emaColumns), Key: append(append([]string{}, EmaKey...), AlignmentSource)},
	)
	return tables
}

func withTag(cols []Column) []Column {
	out := append([]Column{}, cols...)
	return append(out, Column{AlignmentSource, Text})
}

// Lookup returns the table definition by name.
func Lookup(name string) (Table, error) {
	for _, t := range Tables() {
		if t.Name == name {
			return t, nil
		}
	}
	return Table{}, fmt.Errorf("store: unknown table %q", name)
}

// TypeNames maps logical column types to a dialect's SQL types.
type TypeNames map[ColType]string

// DDL renders CREATE TABLE statements for every table.
func DDL(types TypeNames) []string {
	var out []string
	for _, t := range Tables() {
		cols := make([]string, 0, len(t.Columns)+1)
		for _, c := range t.Columns {
			nn := ""
			for _, k := range t.Key {
				if k == c.Name {
					nn = " NOT NULL"
				}
			}
			cols = append(cols, fmt.Sprintf("%s %s%s", c.Name, types[c.Type], nn))
		}
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(t.Key, ", ")))
		out = append(out, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Name, strings.Join(cols, ",\n\t")))
	}
	return out
}

// Normalize converts a driver value to the Row value convention of the
// column type: int64, float64, string, bool or nil.
func Normalize(t ColType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case Int:
		switch x := v.(type) {
		case int64:
			return x
		case int32:
			return int64(x)
		case int:
			return int64(x)
		case float64:
			return int64(x)
		case bool:
			if x {
				return int64(1)
			}
			return int64(0)
		}
	case Real:
		switch x := v.(type) {
		case float64:
			return x
		case float32:
			return float64(x)
		case int64:
			return float64(x)
		}
	case Text:
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		}
	case Bool:
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case int:
			return x != 0
		}
	}
	return v
}
