package dl

import (
	"context"
	"time"
)

// Ledger is the durable store of per-item download state.
// Every successful mutation is persisted before the call returns.
type Ledger interface {
	// Get returns the record for key, or nil if the item was never selected.
	Get(ctx context.Context, key Key) (*DownloadRecord, error)

	// CreateOrResume returns the existing record for key unchanged, whatever
	// its state, or creates a new Queued record with zero bytes written.
	CreateOrResume(ctx context.Context, key Key, declaredSize int64, targetPath string) (*DownloadRecord, error)

	// Transition atomically moves key from one state to another.
	// It fails with *StaleStateError if the current state is not from, and
	// with ErrIncomplete if to is Complete but the byte count is short.
	Transition(ctx context.Context, key Key, from, to State, fields TransitionFields) (*DownloadRecord, error)

	// RecordProgress raises the bytes written for key. Lower values fail with
	// *RegressionError; values above a known declared size fail with
	// ErrExceedsDeclaredSize.
	RecordProgress(ctx context.Context, key Key, bytesWritten int64, partialSHA256 string) (*DownloadRecord, error)

	// ListChannel returns every record for a channel ordered by message id.
	ListChannel(ctx context.Context, channelID int64) ([]*DownloadRecord, error)

	// SetArchived stores where a completed download was mirrored.
	SetArchived(ctx context.Context, key Key, location string) error

	// RecoverInterrupted moves records left InProgress by a crashed process
	// to Paused. It must run before any worker starts.
	RecoverInterrupted(ctx context.Context) (int, error)

	Close() error
}

// Operation is one recorded CLI invocation that touched the ledger.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// OperationLog records CLI invocations next to the ledger.
type OperationLog interface {
	CreateOperation(ctx context.Context, operation, parameters string) (*Operation, error)
	FinishOperation(ctx context.Context, id int64, status string) error
	ListOperations(ctx context.Context, limit int) ([]*Operation, error)
}
