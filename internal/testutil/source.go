package testutil

import (
	"context"
	"sync"
	"time"

	"chandl/internal/dl"
	"chandl/internal/source"
)

// FakeSource is a MemorySource with fault injection and instrumentation for
// scheduler and session tests.
type FakeSource struct {
	*source.MemorySource

	mu          sync.Mutex
	faults      map[dl.Key][]error
	gates       map[dl.Key]chan struct{}
	calls       map[dl.Key]int
	inFlight    int
	maxInFlight int

	// Delay is slept, honouring ctx, inside every FetchRange call.
	Delay time.Duration

	// OnFetch, when set, runs before each fetch with the requested offset.
	OnFetch func(key dl.Key, offset int64)
}

// NewFakeSource creates a fake with one channel, id -1001 "@testchan".
func NewFakeSource() *FakeSource {
	s := &FakeSource{
		MemorySource: source.NewMemorySource(),
		faults:       make(map[dl.Key][]error),
		gates:        make(map[dl.Key]chan struct{}),
		calls:        make(map[dl.Key]int),
	}
	s.AddChannel(dl.ChannelHandle{ID: TestChannelID, Title: "Test Channel", Username: "testchan"})
	return s
}

// TestChannelID is the id of the channel NewFakeSource registers.
const TestChannelID int64 = -1001

// AddItem stores content as message id in channel ch and returns the item.
// Size and fingerprint are derived from content.
func (s *FakeSource) AddItem(ch, id int64, kind dl.MediaKind, name string, content []byte) dl.MediaItem {
	item := dl.MediaItem{
		Key:         dl.Key{ChannelID: ch, MessageID: id},
		Kind:        kind,
		Size:        int64(len(content)),
		FileName:    name,
		Fingerprint: Fingerprint(content),
		Date:        time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC),
	}
	if err := s.AddMedia(item, content); err != nil {
		panic(err)
	}
	return item
}

// FailNext makes the next len(errs) fetches of key return errs in order.
func (s *FakeSource) FailNext(key dl.Key, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[key] = append(s.faults[key], errs...)
}

// Block makes fetches of key wait until the returned release func is
// called or their context ends.
func (s *FakeSource) Block(key dl.Key) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[key] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[key] == gate {
				delete(s.gates, key)
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times key was fetched.
func (s *FakeSource) Calls(key dl.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// InFlight returns the number of fetches currently running.
func (s *FakeSource) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// MaxInFlight returns the highest number of concurrent fetches seen.
func (s *FakeSource) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func (s *FakeSource) FetchRange(ctx context.Context, item dl.MediaItem, offset int64, maxBytes int) ([]byte, error) {
	if s.OnFetch != nil {
		s.OnFetch(item.Key, offset)
	}

	s.mu.Lock()
	s.calls[item.Key]++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	var fault error
	if queue := s.faults[item.Key]; len(queue) > 0 {
		fault = queue[0]
		s.faults[item.Key] = queue[1:]
	}
	gate := s.gates[item.Key]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if fault != nil {
		return nil, fault
	}
	return s.MemorySource.FetchRange(ctx, item, offset, maxBytes)
}

var _ dl.Source = (*FakeSource)(nil)
