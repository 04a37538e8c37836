package dl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// VerifyMode selects how a partial file is checked before it is continued.
type VerifyMode string

const (
	// VerifyLength trusts a partial file whose length matches the ledger.
	VerifyLength VerifyMode = "length"

	// VerifyChecksum additionally compares the SHA-256 of the partial file
	// with the digest recorded alongside the progress.
	VerifyChecksum VerifyMode = "checksum"
)

// ParseVerifyMode converts a config string to a VerifyMode. Empty means checksum.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch VerifyMode(s) {
	case "", VerifyChecksum:
		return VerifyChecksum, nil
	case VerifyLength:
		return VerifyLength, nil
	default:
		return "", fmt.Errorf("unknown verify mode: %q", s)
	}
}

// ResumePlan says where a worker starts writing.
type ResumePlan struct {
	Offset   int64
	Verified bool

	// Digest has consumed the first Offset bytes of the partial file.
	// It is nil in length mode.
	Digest hash.Hash

	// Reason explains why an existing partial file was discarded.
	Reason error
}

// ResumeEngine decides whether an existing partial file can be continued.
// The ledger is the source of truth: a partial file is trusted only if it
// agrees with the record's byte count (and digest, in checksum mode).
type ResumeEngine struct {
	files FileStore
	mode  VerifyMode
}

func NewResumeEngine(files FileStore, mode VerifyMode) *ResumeEngine {
	if mode == "" {
		mode = VerifyChecksum
	}
	return &ResumeEngine{files: files, mode: mode}
}

// Mode returns the verification mode in use.
func (e *ResumeEngine) Mode() VerifyMode {
	return e.mode
}

// PlanResume inspects rec's partial file. A plan with Verified false means
// the partial file must be truncated and the record's progress reset.
func (e *ResumeEngine) PlanResume(rec *DownloadRecord, declaredSize int64) (*ResumePlan, error) {
	path := rec.PartialPath()
	expected := rec.BytesWritten

	actual, exists, err := e.files.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("inspecting partial file: %w", err)
	}
	if !exists {
		actual = 0
	}

	if actual != expected || (declaredSize != SizeUnknown && expected > declaredSize) {
		return e.restart(&IntegrityMismatchError{
			Path:          path,
			ExpectedBytes: expected,
			ActualBytes:   actual,
		}), nil
	}

	if expected == 0 {
		return &ResumePlan{Offset: 0, Verified: true, Digest: e.newDigest()}, nil
	}

	if e.mode == VerifyLength {
		return &ResumePlan{Offset: expected, Verified: true}, nil
	}

	h, err := e.files.HashPrefix(path, expected)
	if err != nil {
		return nil, fmt.Errorf("hashing partial file: %w", err)
	}
	// Records written in length mode carry no digest; their length already matched.
	if rec.PartialSHA256 != "" && hex.EncodeToString(h.Sum(nil)) != rec.PartialSHA256 {
		return e.restart(&IntegrityMismatchError{
			Path:             path,
			ExpectedBytes:    expected,
			ActualBytes:      actual,
			ChecksumMismatch: true,
		}), nil
	}

	return &ResumePlan{Offset: expected, Verified: true, Digest: h}, nil
}

func (e *ResumeEngine) restart(reason error) *ResumePlan {
	return &ResumePlan{Offset: 0, Verified: false, Digest: e.newDigest(), Reason: reason}
}

func (e *ResumeEngine) newDigest() hash.Hash {
	if e.mode == VerifyLength {
		return nil
	}
	return sha256.New()
}
