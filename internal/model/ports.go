package model

import (
	"context"
	"errors"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the refresh engine from concrete storage
// (SQLite, Postgres, Redis, in-memory).

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("not found")

// Range selects rows of one table. Eq holds exact-match columns; Column with
// Gt/Gte/Lt/Lte bounds one ordered column. Nil bounds are open. Offset only
// applies together with Limit.
type Range struct {
	Eq      map[string]any
	Column  string
	Gt      any
	Gte     any
	Lt      any
	Lte     any
	OrderBy []string
	Desc    bool
	Limit   int
	Offset  int
}

// TableStore is the ordered keyed table abstraction every artifact lives in.
type TableStore interface {
	// Upsert writes rows, replacing existing rows with the same conflict key.
	Upsert(ctx context.Context, table string, rows []Row, conflictKeys []string) (int64, error)

	// InsertIgnore writes rows, skipping rows whose conflict key exists.
	InsertIgnore(ctx context.Context, table string, rows []Row, conflictKeys []string) (int64, error)

	// Delete removes every row selected by r (ordering and limits ignored).
	Delete(ctx context.Context, table string, r Range) (int64, error)

	// Scan calls fn for each selected row in order. A non-nil error from fn
	// stops the scan and is returned.
	Scan(ctx context.Context, table string, r Range, fn func(Row) error) error

	// Columns returns the table's column names in schema order.
	Columns(ctx context.Context, table string) ([]string, error)
}

// SourceSeries is the read-only accessor over the daily series.
type SourceSeries interface {
	// ReadRange returns daily rows for asset with from <= ts <= to, ordered
	// by ts. Nil bounds are open.
	ReadRange(ctx context.Context, asset string, from, to *time.Time) ([]DailyBar, error)

	// MinMax returns the observed range; ok is false for an empty series.
	MinMax(ctx context.Context, asset string) (rng DailyRange, ok bool, err error)

	// Assets lists the assets present in the series.
	Assets(ctx context.Context) ([]string, error)
}

// TimeframeCatalog lists timeframe specs.
type TimeframeCatalog interface {
	// ListSpecs returns specs of the family ("" for all), optionally
	// restricted to canonical timeframes.
	ListSpecs(family Family, canonicalOnly bool) []TimeframeSpec
}

// WatermarkStore persists refresh cursors. Get returns ErrNotFound when no
// watermark exists for the key.
type WatermarkStore interface {
	GetBar(ctx context.Context, asset, tf string) (RefreshWatermark, error)
	PutBar(ctx context.Context, wm RefreshWatermark) error
	DeleteBar(ctx context.Context, asset, tf string) error

	GetEma(ctx context.Context, asset, tf string, period int) (RefreshWatermark, error)
	PutEma(ctx context.Context, wm RefreshWatermark) error
	DeleteEma(ctx context.Context, asset, tf string, period int) error
}
