package database

import (
	"fmt"
	"time"

	"chandl/internal/dl"
)

// applyTransition mutates rec for a transition to state to. It enforces the
// completion invariant shared by every ledger implementation.
func applyTransition(rec *dl.DownloadRecord, to dl.State, fields dl.TransitionFields, now time.Time) error {
	if fields.ResetProgress {
		rec.BytesWritten = 0
		rec.PartialSHA256 = ""
	}
	if to == dl.StateComplete && rec.DeclaredSize != dl.SizeUnknown && rec.BytesWritten != rec.DeclaredSize {
		return fmt.Errorf("completing %s with %d of %d bytes: %w", rec.Key, rec.BytesWritten, rec.DeclaredSize, dl.ErrIncomplete)
	}
	rec.State = to
	rec.LastError = fields.LastError
	if fields.IncrementAttempts {
		rec.Attempts++
	}
	rec.UpdatedAt = now
	return nil
}

// checkProgress validates a progress update against rec.
func checkProgress(rec *dl.DownloadRecord, bytesWritten int64) error {
	if rec.State != dl.StateInProgress {
		return &dl.StaleStateError{Key: rec.Key, Expected: dl.StateInProgress, Actual: rec.State}
	}
	if bytesWritten < rec.BytesWritten {
		return &dl.RegressionError{Key: rec.Key, Current: rec.BytesWritten, Attempted: bytesWritten}
	}
	if rec.DeclaredSize != dl.SizeUnknown && bytesWritten > rec.DeclaredSize {
		return fmt.Errorf("%s at %d of %d bytes: %w", rec.Key, bytesWritten, rec.DeclaredSize, dl.ErrExceedsDeclaredSize)
	}
	return nil
}
