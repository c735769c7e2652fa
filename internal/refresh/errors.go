package refresh

import (
	"errors"
	"fmt"
	"strconv"

	"tfbars/internal/marketdata/tfbuilder"
)

// Kind classifies unit failures and recoveries.
type Kind string

const (
	// KindInputContract: duplicate or non-monotonic daily rows. Fatal for
	// the unit only.
	KindInputContract Kind = "input_contract_violation"
	// KindWatermarkInconsistency: the watermark points at a bar row that no
	// longer exists. Recovered by a backfill rebuild.
	KindWatermarkInconsistency Kind = "watermark_inconsistency"
	// KindPartialWindowCorrection: the last bar is re-derived on append.
	// Recorded on the plan, never an error.
	KindPartialWindowCorrection Kind = "partial_window_correction"
	// KindStorage: a read or write against a store failed. The unit is
	// retried from its last committed watermark on the next run.
	KindStorage Kind = "storage_failure"
)

// Key identifies a unit of work. Period is 0 for bar units.
type Key struct {
	Asset  string `json:"id"`
	TF     string `json:"tf"`
	Period int    `json:"period,omitempty"`
}

func (k Key) String() string {
	if k.Period == 0 {
		return k.Asset + "/" + k.TF
	}
	return k.Asset + "/" + k.TF + "/" + strconv.Itoa(k.Period)
}

// UnitError reports a failed unit with its key and taxonomy kind.
type UnitError struct {
	Key  Key
	Kind Kind
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Key, e.Kind, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Fail wraps err as a UnitError for key, classifying it.
func Fail(key Key, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnitError
	if errors.As(err, &ue) {
		return err
	}
	return &UnitError{Key: key, Kind: Classify(err), Err: err}
}

// Classify maps an error to its kind. Anything that is not an input
// contract violation is treated as a storage failure.
func Classify(err error) Kind {
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, tfbuilder.ErrNonMonotonic) {
		return KindInputContract
	}
	return KindStorage
}
