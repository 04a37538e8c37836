package dl

import (
	"fmt"
	"time"
)

// PartialSuffix is appended to a record's target path while bytes are still
// arriving. The file is renamed to the target path on completion.
const PartialSuffix = ".part"

// State is the download state of a record.
type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StatePaused     State = "paused"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// ParseState converts a stored string to a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateQueued, StateInProgress, StatePaused, StateComplete, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown download state: %q", s)
	}
}

// Resumable reports whether a partial file for this state may be continued.
func (s State) Resumable() bool {
	return s == StatePaused || s == StateFailed
}

// DownloadRecord is the ledger's view of one selected media item.
// Records are only changed through Ledger operations.
type DownloadRecord struct {
	Key             Key
	State           State
	DeclaredSize    int64
	BytesWritten    int64
	TargetPath      string
	PartialSHA256   string // digest of the first BytesWritten bytes, empty in length mode
	LastError       string
	Attempts        int
	ArchiveLocation string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PartialPath is where in-flight bytes for this record are written.
func (r *DownloadRecord) PartialPath() string {
	return r.TargetPath + PartialSuffix
}

// Percent returns completion in the range [0, 100]. Unknown sizes report 0
// until complete.
func (r *DownloadRecord) Percent() float64 {
	if r.State == StateComplete {
		return 100
	}
	if r.DeclaredSize <= 0 {
		return 0
	}
	p := float64(r.BytesWritten) / float64(r.DeclaredSize) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// TransitionFields carries the side updates applied with a state transition.
type TransitionFields struct {
	// LastError replaces the stored error message. Empty clears it.
	LastError string

	// IncrementAttempts bumps the attempt counter by one.
	IncrementAttempts bool

	// ResetProgress sets BytesWritten to zero and clears the partial digest,
	// used when a partial file failed verification.
	ResetProgress bool
}

// Status is the annotation shown next to a listed item.
type Status string

const (
	StatusUnseen     Status = "unseen"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// StatusOf maps a (possibly nil) record to its listing annotation.
func StatusOf(rec *DownloadRecord) Status {
	if rec == nil {
		return StatusUnseen
	}
	return Status(rec.State)
}

// Progress is one entry of a progress snapshot.
type Progress struct {
	Key          Key
	State        State
	Percent      float64
	BytesWritten int64
	DeclaredSize int64
	LastError    string
}

// ProgressOf builds a snapshot entry from a record.
func ProgressOf(rec *DownloadRecord) Progress {
	return Progress{
		Key:          rec.Key,
		State:        rec.State,
		Percent:      rec.Percent(),
		BytesWritten: rec.BytesWritten,
		DeclaredSize: rec.DeclaredSize,
		LastError:    rec.LastError,
	}
}
