// Package unify merges the per-family bar and EMA tables into one unified
// table per artifact, tagging each row with its alignment source.
package unify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"tfbars/internal/logger"
	"tfbars/internal/model"
)

// Mode selects the conflict behaviour on the unified primary key.
type Mode string

const (
	// ModeUpsert replaces existing rows so re-derived partial rows stay current.
	ModeUpsert Mode = "upsert"
	// ModeIgnore keeps the first copy of every key.
	ModeIgnore Mode = "ignore"
)

// ParseMode maps a configuration value to a Mode. Empty selects ModeUpsert.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeUpsert:
		return ModeUpsert, nil
	case ModeIgnore:
		return ModeIgnore, nil
	}
	return "", fmt.Errorf("unify: unknown sync mode %q", s)
}

const (
	stampColumn     = "ingested_at"
	defaultPageSize = 1000
)

// TagFor derives the alignment-source tag from a source table name:
// everything after the first underscore ("bars_calendar" -> "calendar").
func TagFor(table string) string {
	if _, tag, ok := strings.Cut(table, "_"); ok {
		return tag
	}
	return table
}

// Syncer copies new source rows into a unified table.
type Syncer struct {
	Store    model.TableStore
	Mode     Mode
	PageSize int
}

// Sync copies every source row with ingested_at newer than the tag's
// watermark into unified, keyed by pk plus tagColumn. It returns the number
// of rows written.
func (s *Syncer) Sync(ctx context.Context, unified string, sources []string, pk []string, tagColumn string) (int64, error) {
	ucols, err := s.Store.Columns(ctx, unified)
	if err != nil {
		return 0, fmt.Errorf("unify columns %s: %w", unified, err)
	}
	keys := append(append([]string{}, pk...), tagColumn)

	var total int64
	for _, src := range sources {
		n, err := s.syncOne(ctx, unified, ucols, src, pk, keys, tagColumn)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Syncer) syncOne(ctx context.Context, unified string, ucols []string, src string, pk, keys []string, tagColumn string) (int64, error) {
	tag := TagFor(src)
	wm, found, err := s.watermark(ctx, unified, tagColumn, tag)
	if err != nil {
		return 0, fmt.Errorf("unify watermark %s: %w", tag, err)
	}
	scols, err := s.Store.Columns(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("unify columns %s: %w", src, err)
	}

	page := s.PageSize
	if page <= 0 {
		page = defaultPageSize
	}
	r := model.Range{OrderBy: append([]string{stampColumn}, pk...), Limit: page}
	if found {
		r.Column = stampColumn
		r.Gt = wm
	}

	var total int64
	for {
		rows := make([]model.Row, 0, page)
		err := s.Store.Scan(ctx, src, r, func(row model.Row) error {
			rows = append(rows, project(row, ucols, scols, tagColumn, tag))
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("unify read %s: %w", src, err)
		}
		if len(rows) == 0 {
			break
		}
		n, err := s.write(ctx, unified, rows, keys)
		total += n
		if err != nil {
			return total, fmt.Errorf("unify write %s: %w", unified, err)
		}
		if len(rows) < page {
			break
		}
		r.Offset += page
	}

	slog.Debug("[unify] synced source", append(logger.LogWithRun(ctx),
		"unified", unified, "source", src, "tag", tag, "full_copy", !found, "rows", total)...)
	return total, nil
}

func (s *Syncer) write(ctx context.Context, table string, rows []model.Row, keys []string) (int64, error) {
	if s.Mode == ModeIgnore {
		return s.Store.InsertIgnore(ctx, table, rows, keys)
	}
	return s.Store.Upsert(ctx, table, rows, keys)
}

// watermark returns the newest ingested_at already copied for tag.
func (s *Syncer) watermark(ctx context.Context, unified, tagColumn, tag string) (int64, bool, error) {
	var (
		wm    int64
		found bool
	)
	err := s.Store.Scan(ctx, unified, model.Range{
		Eq:      map[string]any{tagColumn: tag},
		OrderBy: []string{stampColumn},
		Desc:    true,
		Limit:   1,
	}, func(row model.Row) error {
		wm = row.Int(stampColumn)
		found = true
		return nil
	})
	return wm, found, err
}

// project maps a source row onto the unified columns. Columns the source
// does not have are written as null.
func project(row model.Row, ucols, scols []string, tagColumn, tag string) model.Row {
	out := make(model.Row, len(ucols))
	for _, c := range ucols {
		switch {
		case c == tagColumn:
			out[c] = tag
		case slices.Contains(scols, c):
			out[c] = row[c]
		default:
			out[c] = nil
		}
	}
	return out
}

// Invalidate removes the unified rows of tag matching key (for example
// id and tf, plus period for EMA tables) so a rebuilt series is copied
// fresh on the next sync. Rows outside key are left alone.
func (s *Syncer) Invalidate(ctx context.Context, unified, tagColumn, tag string, key map[string]any) (int64, error) {
	eq := make(map[string]any, len(key)+1)
	for k, v := range key {
		eq[k] = v
	}
	eq[tagColumn] = tag
	n, err := s.Store.Delete(ctx, unified, model.Range{Eq: eq})
	if err != nil {
		return n, fmt.Errorf("unify invalidate %s %v: %w", tag, key, err)
	}
	return n, nil
}
