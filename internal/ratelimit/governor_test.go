package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func newGovernor(t *testing.T, capacity int, window time.Duration) *Governor {
	t.Helper()
	g, err := New(capacity, window)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(0, time.Second); err == nil {
		t.Error("New() with zero capacity should fail")
	}
	if _, err := New(10, 0); err == nil {
		t.Error("New() with zero window should fail")
	}
}

func TestGovernor_ColdStartIsEmpty(t *testing.T) {
	g := newGovernor(t, 10, time.Second)
	if g.TryAcquire(1) {
		t.Error("TryAcquire(1) on a fresh governor = true, want false")
	}
}

func TestGovernor_BurstAfterIdle(t *testing.T) {
	const window = 50 * time.Millisecond
	g := newGovernor(t, 10, window)

	time.Sleep(window + 10*time.Millisecond)
	if !g.TryAcquire(10) {
		t.Fatal("TryAcquire(10) after an idle window = false, want a full bucket")
	}
	if g.TryAcquire(1) {
		t.Fatal("TryAcquire(1) right after draining = true, want false")
	}

	time.Sleep(window + 10*time.Millisecond)
	if !g.TryAcquire(10) {
		t.Fatal("TryAcquire(10) one window after the burst = false, want a refilled bucket")
	}
	if g.TryAcquire(1) {
		t.Error("more than twice the capacity delivered across the idle boundary")
	}
}

func TestGovernor_TryAcquire(t *testing.T) {
	g := newGovernor(t, 10, 100*time.Millisecond)

	t.Run("more than capacity is never available", func(t *testing.T) {
		time.Sleep(150 * time.Millisecond)
		if g.TryAcquire(11) {
			t.Error("TryAcquire(11) = true, want false")
		}
	})

	t.Run("refilled bucket grants up to capacity", func(t *testing.T) {
		time.Sleep(150 * time.Millisecond)
		if !g.TryAcquire(10) {
			t.Fatal("TryAcquire(10) after refill = false, want true")
		}
		if g.TryAcquire(5) {
			t.Error("TryAcquire(5) right after draining = true, want false")
		}
	})

	t.Run("zero is always available", func(t *testing.T) {
		if !g.TryAcquire(0) {
			t.Error("TryAcquire(0) = false, want true")
		}
	})
}

func TestGovernor_AcquireLargerThanCapacity(t *testing.T) {
	g := newGovernor(t, 10, 100*time.Millisecond)

	start := time.Now()
	if err := g.Acquire(context.Background(), 25); err != nil {
		t.Fatalf("Acquire(25) error = %v", err)
	}
	elapsed := time.Since(start)

	// 25 units at 100 units/s from an empty bucket need about 250ms.
	if elapsed < 200*time.Millisecond {
		t.Errorf("Acquire(25) returned after %s, want at least 200ms", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Acquire(25) took %s", elapsed)
	}
}

func TestGovernor_AcquireHonoursContext(t *testing.T) {
	g := newGovernor(t, 10, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := g.Acquire(ctx, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Acquire() returned after %s, want prompt return", elapsed)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := g.Acquire(cancelled, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() on cancelled ctx error = %v, want Canceled", err)
	}
}

func TestGovernor_FIFO(t *testing.T) {
	g := newGovernor(t, 1, 100*time.Millisecond)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := g.Acquire(context.Background(), 2); err != nil {
			t.Errorf("Acquire(2) error = %v", err)
		}
		order <- "large"
	}()
	time.Sleep(30 * time.Millisecond)
	go func() {
		defer wg.Done()
		if err := g.Acquire(context.Background(), 1); err != nil {
			t.Errorf("Acquire(1) error = %v", err)
		}
		order <- "small"
	}()
	wg.Wait()
	close(order)

	if first := <-order; first != "large" {
		t.Errorf("first grant = %s, want large", first)
	}
}

func TestGovernor_WindowBound(t *testing.T) {
	const (
		capacity = 20
		window   = 100 * time.Millisecond
		chunk    = 5
	)
	g := newGovernor(t, capacity, window)

	var mu sync.Mutex
	var grants []time.Time
	deadline := time.Now().Add(600 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if err := g.Acquire(context.Background(), chunk); err != nil {
					t.Errorf("Acquire() error = %v", err)
					return
				}
				mu.Lock()
				grants = append(grants, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	if len(grants) == 0 {
		t.Fatal("no grants")
	}

	// Two chunks of slack absorb timer wake-up jitter.
	limit := capacity + 2*chunk
	for i, start := range grants {
		units := 0
		for _, g := range grants[i:] {
			if g.Sub(start) >= window {
				break
			}
			units += chunk
		}
		if units > limit {
			t.Fatalf("%d units granted in a %s window starting at grant %d, want at most %d", units, window, i, limit)
		}
	}

	total := len(grants) * chunk
	elapsed := grants[len(grants)-1].Sub(grants[0]) + window
	if maxUnits := int(float64(capacity)*elapsed.Seconds()/window.Seconds()) + chunk; total > maxUnits {
		t.Errorf("granted %d units over %s, want at most %d", total, elapsed, maxUnits)
	}
}

func TestNewBudgets(t *testing.T) {
	tests := []struct {
		name       string
		limits     Limits
		wantCount  int
		wantErr    bool
		perRequest []bool
	}{
		{name: "unlimited", limits: Limits{}, wantCount: 0},
		{name: "bytes only", limits: Limits{BytesPerSecond: "2 MiB"}, wantCount: 1, perRequest: []bool{false}},
		{name: "requests only", limits: Limits{MaxRate: 5, TimePeriod: time.Second}, wantCount: 1, perRequest: []bool{true}},
		{name: "both", limits: Limits{BytesPerSecond: "500K", MaxRate: 5}, wantCount: 2, perRequest: []bool{false, true}},
		{name: "bad size", limits: Limits{BytesPerSecond: "lots"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budgets, err := NewBudgets(tt.limits)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewBudgets() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBudgets() error = %v", err)
			}
			if len(budgets) != tt.wantCount {
				t.Fatalf("len(budgets) = %d, want %d", len(budgets), tt.wantCount)
			}
			for i, b := range budgets {
				if b.PerRequest != tt.perRequest[i] {
					t.Errorf("budgets[%d].PerRequest = %v, want %v", i, b.PerRequest, tt.perRequest[i])
				}
			}
		})
	}

	budgets, err := NewBudgets(Limits{BytesPerSecond: "2 MiB"})
	if err != nil {
		t.Fatal(err)
	}
	g := budgets[0].Governor.(*Governor)
	if got := g.Capacity(); got != 2*1024*1024 {
		t.Errorf("byte governor capacity = %d, want %d", got, 2*1024*1024)
	}
	if got := g.Window(); got != time.Second {
		t.Errorf("byte governor window = %v, want 1s", got)
	}
}
