package dl

import "context"

// RateGovernor hands out units of a shared rate budget.
type RateGovernor interface {
	// Acquire blocks until n units are available or ctx ends. Requests are
	// served in arrival order; n larger than the capacity still succeeds.
	Acquire(ctx context.Context, n int) error

	// TryAcquire takes n units only if they are available right now.
	TryAcquire(n int) bool
}

// Budget pairs a governor with what it meters.
type Budget struct {
	Governor RateGovernor

	// PerRequest meters chunk requests (one unit each) instead of bytes.
	PerRequest bool
}

func (b Budget) units(chunkSize int) int {
	if b.PerRequest {
		return 1
	}
	return chunkSize
}
