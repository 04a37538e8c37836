package testutil

import (
	"strconv"
	"sync"
	"time"
)

// StubClock is a manually driven dl.Clock.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock returns a clock frozen at start.
func NewStubClock(start time.Time) *StubClock {
	return &StubClock{now: start}
}

// FixedClock returns a clock frozen at 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StubIDGenerator hands out prefix-1, prefix-2, ...
type StubIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func NewStubIDGenerator(prefix string) *StubIDGenerator {
	return &StubIDGenerator{prefix: prefix}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.prefix + "-" + strconv.Itoa(g.next)
}
