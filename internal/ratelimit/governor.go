// Package ratelimit meters shared download budgets with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"chandl/internal/dl"
)

// Governor is a token bucket holding at most Capacity units, refilled at
// Capacity per Window. It starts empty, so continuous demand never sees
// more than Capacity units in any window.
//
// An idle governor refills to a full bucket. The first requests after an
// idle spell of at least Window get Capacity units at once, and refill adds
// up to Capacity more over the following Window, so a window straddling the
// end of an idle spell can see up to twice Capacity.
type Governor struct {
	// mu orders reservations by arrival and keeps a split request's
	// reservations contiguous.
	mu       sync.Mutex
	limiter  *rate.Limiter
	capacity int
	window   time.Duration
}

// New creates a governor. capacity and window must be positive.
func New(capacity int, window time.Duration) (*Governor, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("rate capacity must be positive, got %d", capacity)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate window must be positive, got %s", window)
	}

	limit := rate.Limit(float64(capacity) / window.Seconds())
	limiter := rate.NewLimiter(limit, capacity)
	limiter.AllowN(time.Now(), capacity)

	return &Governor{limiter: limiter, capacity: capacity, window: window}, nil
}

// Capacity is the bucket size.
func (g *Governor) Capacity() int { return g.capacity }

// Window is the time it takes to refill an empty bucket.
func (g *Governor) Window() time.Duration { return g.window }

// Acquire blocks until n units have been granted or ctx ends. Requests
// larger than the capacity are taken as consecutive full buckets.
func (g *Governor) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	g.mu.Lock()
	reservations := make([]*rate.Reservation, 0, n/g.capacity+1)
	for remaining := n; remaining > 0; {
		take := min(remaining, g.capacity)
		r := g.limiter.ReserveN(now, take)
		if !r.OK() {
			g.mu.Unlock()
			cancelAll(reservations, now)
			return fmt.Errorf("reserving %d units from a bucket of %d", take, g.capacity)
		}
		reservations = append(reservations, r)
		remaining -= take
	}
	g.mu.Unlock()

	delay := reservations[len(reservations)-1].DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		cancelAll(reservations, time.Now())
		return ctx.Err()
	}
}

// TryAcquire takes n units only if they are available now. It is always
// false for n larger than the capacity.
func (g *Governor) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	if n > g.capacity {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiter.AllowN(time.Now(), n)
}

func cancelAll(reservations []*rate.Reservation, at time.Time) {
	for i := len(reservations) - 1; i >= 0; i-- {
		reservations[i].CancelAt(at)
	}
}

// Limits describes the configured budgets. Zero values mean unlimited.
type Limits struct {
	BytesPerSecond string        // human-readable size per second, e.g. "2 MiB"
	MaxRate        int           // chunk requests per TimePeriod
	TimePeriod     time.Duration // defaults to one second
}

// NewBudgets builds the scheduler budgets for limits: a byte governor and a
// request governor, each only when configured.
func NewBudgets(limits Limits) ([]dl.Budget, error) {
	var budgets []dl.Budget

	if limits.BytesPerSecond != "" {
		bps, err := humanize.ParseBytes(limits.BytesPerSecond)
		if err != nil {
			return nil, fmt.Errorf("parsing bytes_per_second: %w", err)
		}
		if bps > 0 {
			g, err := New(int(bps), time.Second)
			if err != nil {
				return nil, err
			}
			budgets = append(budgets, dl.Budget{Governor: g})
		}
	}

	if limits.MaxRate > 0 {
		period := limits.TimePeriod
		if period <= 0 {
			period = time.Second
		}
		g, err := New(limits.MaxRate, period)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, dl.Budget{Governor: g, PerRequest: true})
	}

	return budgets, nil
}

var _ dl.RateGovernor = (*Governor)(nil)
