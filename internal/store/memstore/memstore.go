// Package memstore is an in-memory model.TableStore. Rows live in an arena
// per table keyed by the full primary-key tuple. It backs tests and dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"tfbars/internal/model"
	"tfbars/internal/store"
)

type table struct {
	def  store.Table
	rows map[string]model.Row
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table

	writes  atomic.Int64
	deletes atomic.Int64
}

// New returns an empty store with every schema table created.
func New() *Store {
	s := &Store{tables: make(map[string]*table)}
	for _, t := range store.Tables() {
		s.tables[t.Name] = &table{def: t, rows: make(map[string]model.Row)}
	}
	return s
}

// Writes returns the number of rows written since creation.
func (s *Store) Writes() int64 { return s.writes.Load() }

// Deletes returns the number of rows deleted since creation.
func (s *Store) Deletes() int64 { return s.deletes.Load() }

// Len returns the number of rows in a table.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[name]; ok {
		return len(t.rows)
	}
	return 0
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("memstore: unknown table %q", name)
	}
	return t, nil
}

func (s *Store) Upsert(ctx context.Context, name string, rows []model.Row, keys []string) (int64, error) {
	return s.write(name, rows, keys, true)
}

func (s *Store) InsertIgnore(ctx context.Context, name string, rows []model.Row, keys []string) (int64, error) {
	return s.write(name, rows, keys, false)
}

func (s *Store) write(name string, rows []model.Row, keys []string, replace bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}

	// Validate the whole batch first so a bad row writes nothing.
	norm := make([]model.Row, len(rows))
	for i, r := range rows {
		n, err := t.normalize(r)
		if err != nil {
			return 0, err
		}
		norm[i] = n
	}

	var n int64
	for _, r := range norm {
		k := encodeKey(r, keys)
		if _, exists := t.rows[k]; exists && !replace {
			continue
		}
		t.rows[k] = r
		n++
	}
	s.writes.Add(n)
	return n, nil
}

func (t *table) normalize(r model.Row) (model.Row, error) {
	out := make(model.Row, len(t.def.Columns))
	for col := range r {
		if _, ok := t.def.TypeOf(col); !ok {
			return nil, fmt.Errorf("memstore: table %s has no column %q", t.def.Name, col)
		}
	}
	for _, c := range t.def.Columns {
		out[c.Name] = store.Normalize(c.Type, r[c.Name])
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, name string, r model.Range) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	var n int64
	for k, row := range t.rows {
		if t.match(row, r) {
			delete(t.rows, k)
			n++
		}
	}
	s.deletes.Add(n)
	return n, nil
}

func (s *Store) Scan(ctx context.Context, name string, r model.Range, fn func(model.Row) error) error {
	s.mu.RLock()
	t, err := s.table(name)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	var sel []model.Row
	for _, row := range t.rows {
		if t.match(row, r) {
			sel = append(sel, row.Clone())
		}
	}
	order := r.OrderBy
	if len(order) == 0 {
		order = t.def.Key
	}
	s.mu.RUnlock()

	sort.SliceStable(sel, func(i, j int) bool {
		for _, c := range order {
			if d := compare(sel[i][c], sel[j][c]); d != 0 {
				if r.Desc {
					return d > 0
				}
				return d < 0
			}
		}
		return false
	})
	if r.Limit > 0 {
		if r.Offset >= len(sel) {
			sel = nil
		} else {
			sel = sel[r.Offset:]
		}
		if len(sel) > r.Limit {
			sel = sel[:r.Limit]
		}
	}

	for _, row := range sel {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Columns(_ context.Context, name string) ([]string, error) {
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return t.def.ColumnNames(), nil
}

func (t *table) match(row model.Row, r model.Range) bool {
	for c, v := range r.Eq {
		typ, _ := t.def.TypeOf(c)
		v = store.Normalize(typ, v)
		if v == nil {
			if row[c] != nil {
				return false
			}
			continue
		}
		if row[c] == nil || compare(row[c], v) != 0 {
			return false
		}
	}
	if r.Column == "" {
		return true
	}
	typ, _ := t.def.TypeOf(r.Column)
	val := row[r.Column]
	if val == nil {
		// SQL comparisons with NULL are never true.
		return r.Gt == nil && r.Gte == nil && r.Lt == nil && r.Lte == nil
	}
	bound := func(b any, ok func(int) bool) bool {
		return b == nil || ok(compare(val, store.Normalize(typ, b)))
	}
	return bound(r.Gt, func(d int) bool { return d > 0 }) &&
		bound(r.Gte, func(d int) bool { return d >= 0 }) &&
		bound(r.Lt, func(d int) bool { return d < 0 }) &&
		bound(r.Lte, func(d int) bool { return d <= 0 })
}

func encodeKey(r model.Row, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%v", r[k])
	}
	return strings.Join(parts, "\x00")
}

// compare orders nil first, then numbers, bools and strings naturally.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
