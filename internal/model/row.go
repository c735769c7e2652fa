package model

// Row is one record of a keyed table, column name to value.
// Values are normalized to int64, float64, string, bool or nil.
type Row map[string]any

// Int returns the column as int64. Bools map to 0/1; nil maps to 0.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// Float returns the column as float64; nil maps to 0.
func (r Row) Float(col string) float64 {
	if p := r.FloatPtr(col); p != nil {
		return *p
	}
	return 0
}

// FloatPtr returns the column as *float64, nil when the column is NULL.
func (r Row) FloatPtr(col string) *float64 {
	var f float64
	switch v := r[col].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int:
		f = float64(v)
	default:
		return nil
	}
	return &f
}

// String returns the column as string.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Bool returns the column as bool. Integer columns are true when non-zero.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
