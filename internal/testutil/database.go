package testutil

import (
	"testing"

	"chandl/internal/database"
	"chandl/internal/dl"
)

// NewTestLedger opens a migrated in-memory SQLite ledger that is closed when
// the test completes. clock may be nil.
func NewTestLedger(t *testing.T, clock dl.Clock) *database.SQLiteLedger {
	t.Helper()

	l, err := database.NewSQLiteLedger(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
	})
	return l
}
