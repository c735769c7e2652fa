package engine

import (
	"errors"
	"time"

	"tfbars/internal/refresh"
)

// Stage names the two unit kinds of a chain.
type Stage string

const (
	StageBars Stage = "bars"
	StageEma  Stage = "ema"
)

// UnitReport is the outcome of one unit. A failed unit carries Kind and
// Error; an up-to-date unit carries Action=noop.
type UnitReport struct {
	Key         refresh.Key    `json:"key"`
	Stage       Stage          `json:"stage"`
	Table       string         `json:"table"`
	Action      refresh.Action `json:"action,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RowsWritten int64          `json:"rows_written"`
	RowsDeleted int64          `json:"rows_deleted"`
	Kind        refresh.Kind   `json:"kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMs  float64        `json:"duration_ms"`
}

// Failed reports whether the unit failed.
func (u UnitReport) Failed() bool { return u.Error != "" }

func unitReport(key refresh.Key, stage Stage, started time.Time, err error) UnitReport {
	u := UnitReport{
		Key:        key,
		Stage:      stage,
		DurationMs: float64(time.Since(started).Microseconds()) / 1000.0,
	}
	if err != nil {
		u.Kind = refresh.Classify(err)
		u.Error = err.Error()
	}
	return u
}

// RunReport is the outcome of one refresh run over every key.
type RunReport struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Units      []UnitReport     `json:"units"`
	Synced     map[string]int64 `json:"synced,omitempty"`
	SyncError  string           `json:"sync_error,omitempty"`
}

// Failures returns the failed units.
func (r RunReport) Failures() []UnitReport {
	var out []UnitReport
	for _, u := range r.Units {
		if u.Failed() {
			out = append(out, u)
		}
	}
	return out
}

// Counts tallies units by action, with failures under "failed".
func (r RunReport) Counts() map[string]int {
	out := make(map[string]int)
	for _, u := range r.Units {
		if u.Failed() {
			out["failed"]++
			continue
		}
		out[string(u.Action)]++
	}
	return out
}

// Err joins every unit and sync failure, or returns nil.
func (r RunReport) Err() error {
	var errs []error
	for _, u := range r.Failures() {
		errs = append(errs, errors.New(u.Error))
	}
	if r.SyncError != "" {
		errs = append(errs, errors.New(r.SyncError))
	}
	return errors.Join(errs...)
}
