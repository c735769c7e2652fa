// Package sqlstore implements model.TableStore over any SQL backend that
// understands INSERT ... ON CONFLICT (SQLite 3.24+ and Postgres). Backends
// supply execution and placeholders; statement building lives here.
package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tfbars/internal/model"
	"tfbars/internal/store"
)

// Dialect captures what differs between SQL engines.
type Dialect interface {
	Name() string
	Placeholder(n int) string // n is 1-based
	Types() store.TypeNames
}

// Backend executes statements. InTx runs fn against a transaction-bound
// backend and commits when fn returns nil.
type Backend interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args []any, fn func(vals []any) error) error
	InTx(ctx context.Context, fn func(Backend) error) error
}

// Store is a model.TableStore backed by SQL.
type Store struct {
	b Backend
	d Dialect
}

// New wraps a backend.
func New(b Backend, d Dialect) *Store {
	return &Store{b: b, d: d}
}

// Migrate creates every table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range store.DDL(s.d.Types()) {
		if _, err := s.b.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.Name(), err)
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, table string, rows []model.Row, conflictKeys []string) (int64, error) {
	return s.write(ctx, table, rows, conflictKeys, true)
}

func (s *Store) InsertIgnore(ctx context.Context, table string, rows []model.Row, conflictKeys []string) (int64, error) {
	return s.write(ctx, table, rows, conflictKeys, false)
}

func (s *Store) write(ctx context.Context, table string, rows []model.Row, keys []string, update bool) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	t, err := store.Lookup(table)
	if err != nil {
		return 0, err
	}
	cols := t.ColumnNames()
	q := BuildInsert(s.d, table, cols, keys, update)

	var n int64
	err = s.b.InTx(ctx, func(tx Backend) error {
		args := make([]any, len(cols))
		for _, r := range rows {
			for i, c := range cols {
				args[i] = r[c]
			}
			affected, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return err
			}
			n += affected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s write %s: %w", s.d.Name(), table, err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, table string, r model.Range) (int64, error) {
	if _, err := store.Lookup(table); err != nil {
		return 0, err
	}
	where, args := BuildWhere(s.d, r, 1)
	n, err := s.b.Exec(ctx, "DELETE FROM "+table+where, args...)
	if err != nil {
		return 0, fmt.Errorf("%s delete %s: %w", s.d.Name(), table, err)
	}
	return n, nil
}

func (s *Store) Scan(ctx context.Context, table string, r model.Range, fn func(model.Row) error) error {
	t, err := store.Lookup(table)
	if err != nil {
		return err
	}
	cols := t.ColumnNames()
	where, args := BuildWhere(s.d, r, 1)
	q := "SELECT " + strings.Join(cols, ", ") + " FROM " + table + where + buildTail(r)

	err = s.b.Query(ctx, q, args, func(vals []any) error {
		row := make(model.Row, len(cols))
		for i, c := range t.Columns {
			row[c.Name] = store.Normalize(c.Type, vals[i])
		}
		return fn(row)
	})
	if err != nil {
		return fmt.Errorf("%s scan %s: %w", s.d.Name(), table, err)
	}
	return nil
}

func (s *Store) Columns(_ context.Context, table string) ([]string, error) {
	t, err := store.Lookup(table)
	if err != nil {
		return nil, err
	}
	return t.ColumnNames(), nil
}

// BuildInsert renders an INSERT with ON CONFLICT handling. update selects
// DO UPDATE for non-key columns; otherwise DO NOTHING.
func BuildInsert(d Dialect, table string, cols, keys []string, update bool) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = d.Placeholder(i + 1)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		table, strings.Join(cols, ", "), strings.Join(ph, ", "), strings.Join(keys, ", "))

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	if update {
		for _, c := range cols {
			if !isKey[c] {
				sets = append(sets, c+" = excluded."+c)
			}
		}
	}
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return b.String()
}

// BuildWhere renders the WHERE clause of r with placeholders starting at
// start. Eq columns are emitted in sorted order.
func BuildWhere(d Dialect, r model.Range, start int) (string, []any) {
	var conds []string
	var args []any
	n := start

	eqCols := make([]string, 0, len(r.Eq))
	for c := range r.Eq {
		eqCols = append(eqCols, c)
	}
	sort.Strings(eqCols)
	for _, c := range eqCols {
		v := r.Eq[c]
		if v == nil {
			conds = append(conds, c+" IS NULL")
			continue
		}
		conds = append(conds, c+" = "+d.Placeholder(n))
		args = append(args, v)
		n++
	}

	if r.Column != "" {
		for _, b := range []struct {
			op string
			v  any
		}{{">", r.Gt}, {">=", r.Gte}, {"<", r.Lt}, {"<=", r.Lte}} {
			if b.v == nil {
				continue
			}
			conds = append(conds, r.Column+" "+b.op+" "+d.Placeholder(n))
			args = append(args, b.v)
			n++
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildTail(r model.Range) string {
	var b strings.Builder
	if len(r.OrderBy) > 0 {
		dir := ""
		if r.Desc {
			dir = " DESC"
		}
		parts := make([]string, len(r.OrderBy))
		for i, c := range r.OrderBy {
			parts[i] = c + dir
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if r.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", r.Limit)
	}
	if r.Limit > 0 && r.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", r.Offset)
	}
	return b.String()
}
