package dl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Phase is the state of a Session.
type Phase string

const (
	PhaseBrowsing          Phase = "browsing"
	PhaseAwaitingSelection Phase = "awaiting_selection"
	PhaseEnqueuing         Phase = "enqueuing"
	PhaseSwitchingChannel  Phase = "switching_channel"
	PhaseClosed            Phase = "closed"
)

// SessionConfig holds the settings of an interactive session.
type SessionConfig struct {
	DownloadDir   string
	ScanLimit     int // newest items to list; 0 lists everything
	Filter        *ItemFilter
	ShutdownGrace time.Duration
}

// Session is the interactive selection loop. It owns the in-memory listing
// of the current channel; download state always comes from the ledger, so
// switching channels never loses what was already fetched.
type Session struct {
	cfg    SessionConfig
	ledger Ledger
	source Source
	sched  *Scheduler
	ui     UI
	logger Logger

	mu      sync.Mutex
	phase   Phase
	channel *ChannelHandle
	listing map[int64]MediaItem
	order   []int64
	touched map[Key]struct{}
}

// NewSession creates a session in the Browsing phase with no channel.
// The scheduler must already be started.
func NewSession(cfg SessionConfig, ledger Ledger, source Source, sched *Scheduler, ui UI, logger Logger) *Session {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Session{
		cfg:     cfg,
		ledger:  ledger,
		source:  source,
		sched:   sched,
		ui:      ui,
		logger:  logger,
		phase:   PhaseBrowsing,
		touched: make(map[Key]struct{}),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Channel returns the current channel, or nil before the first switch.
func (s *Session) Channel() *ChannelHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// SwitchChannel resolves ref and makes it the current channel. The listing
// of the previous channel is dropped; on failure the previous channel stays
// current.
func (s *Session) SwitchChannel(ctx context.Context, ref ChannelRef) (*ChannelHandle, error) {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	prev := s.phase
	s.phase = PhaseSwitchingChannel
	s.mu.Unlock()

	ch, err := s.source.ResolveChannel(ctx, ref)
	if err != nil {
		s.setPhase(prev)
		return nil, fmt.Errorf("resolving channel %s: %w", ref, err)
	}

	s.mu.Lock()
	s.channel = ch
	s.listing = nil
	s.order = nil
	s.phase = PhaseBrowsing
	s.mu.Unlock()

	s.logger.Info("channel selected", "channel", ch.ID, "title", ch.Title)
	return ch, nil
}

// GetAnnotatedListing lists ch's media, newest first, each paired with its
// ledger status. Filtered items are left out. When ch is the current
// channel the listing becomes the set that SelectItems accepts.
func (s *Session) GetAnnotatedListing(ctx context.Context, ch *ChannelHandle) ([]ListingEntry, error) {
	it, err := s.source.ListMedia(ctx, ch, s.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("listing media: %w", err)
	}
	items, err := CollectMedia(ctx, it)
	if err != nil {
		return nil, fmt.Errorf("listing media: %w", err)
	}

	records, err := s.ledger.ListChannel(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	byMessage := make(map[int64]*DownloadRecord, len(records))
	for _, rec := range records {
		byMessage[rec.Key.MessageID] = rec
	}

	entries := make([]ListingEntry, 0, len(items))
	listing := make(map[int64]MediaItem, len(items))
	order := make([]int64, 0, len(items))
	for _, item := range items {
		if !s.cfg.Filter.Allow(item) {
			continue
		}
		rec := byMessage[item.Key.MessageID]
		entries = append(entries, ListingEntry{Item: item, Status: StatusOf(rec), Record: rec})
		listing[item.Key.MessageID] = item
		order = append(order, item.Key.MessageID)
	}

	s.mu.Lock()
	if s.channel != nil && s.channel.ID == ch.ID {
		s.listing = listing
		s.order = order
		if s.phase == PhaseBrowsing {
			s.phase = PhaseAwaitingSelection
		}
	}
	s.mu.Unlock()

	return entries, nil
}

// SelectItems enqueues the listed items with the given message ids. Unknown
// ids fail the whole selection with *SelectionError and nothing is queued.
// Complete or already scheduled items are skipped, as are items whose
// target path another item owns. It returns the number of items queued.
func (s *Session) SelectItems(ctx context.Context, ids []int64) (int, error) {
	queued, _, _, err := s.selectItems(ctx, ids)
	return queued, err
}

func (s *Session) selectItems(ctx context.Context, ids []int64) (queued, skipped int, total int64, err error) {
	s.mu.Lock()
	if s.channel == nil || s.listing == nil {
		s.mu.Unlock()
		return 0, 0, 0, &SelectionError{Reason: "no listing to select from"}
	}
	if len(ids) == 0 {
		s.mu.Unlock()
		return 0, 0, 0, &SelectionError{Reason: "nothing selected"}
	}
	items := make([]MediaItem, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		item, ok := s.listing[id]
		if !ok {
			s.mu.Unlock()
			return 0, 0, 0, &SelectionError{Input: strconv.FormatInt(id, 10), Reason: "not in the current listing"}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, item)
	}
	ch := s.channel
	s.phase = PhaseEnqueuing
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.phase == PhaseEnqueuing {
			s.phase = PhaseBrowsing
		}
		s.mu.Unlock()
	}()

	for _, item := range items {
		rec, err := s.ledger.Get(ctx, item.Key)
		if err != nil {
			return queued, skipped, total, fmt.Errorf("reading ledger: %w", err)
		}
		if (rec != nil && rec.State == StateComplete) || s.sched.Scheduled(item.Key) {
			skipped++
			continue
		}

		target := filepath.Join(s.cfg.DownloadDir, ch.DirName(), item.TargetName())
		if _, err := s.sched.Submit(ctx, Task{Item: item, TargetPath: target}); err != nil {
			var conflict *PathConflictError
			if errors.As(err, &conflict) {
				s.logger.Warn("target path belongs to another item", "item", item.Key.String(), "owner", conflict.Owner.String(), "path", target)
				skipped++
				continue
			}
			return queued, skipped, total, fmt.Errorf("queueing %s: %w", item.Key, err)
		}
		s.mu.Lock()
		s.touched[item.Key] = struct{}{}
		s.mu.Unlock()

		queued++
		if item.Size > 0 {
			total += item.Size
		}
	}

	s.logger.Info("items queued", "channel", ch.ID, "queued", queued, "skipped", skipped, "bytes", total)
	return queued, skipped, total, nil
}

// SelectableIDs returns listed ids that are not Complete, in listing order.
func (s *Session) SelectableIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	order := append([]int64(nil), s.order...)
	listing := s.listing
	s.mu.Unlock()

	var ids []int64
	for _, id := range order {
		rec, err := s.ledger.Get(ctx, listing[id].Key)
		if err != nil {
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
		if rec == nil || rec.State != StateComplete {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ProgressSnapshot returns the ledger state of every item queued during
// this session, across all channels, ordered by key.
func (s *Session) ProgressSnapshot(ctx context.Context) ([]Progress, error) {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.touched))
	for k := range s.touched {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ChannelID != keys[j].ChannelID {
			return keys[i].ChannelID < keys[j].ChannelID
		}
		return keys[i].MessageID < keys[j].MessageID
	})

	snapshot := make([]Progress, 0, len(keys))
	for _, k := range keys {
		rec, err := s.ledger.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
		if rec != nil {
			snapshot = append(snapshot, ProgressOf(rec))
		}
	}
	return snapshot, nil
}

// Close ends the session. With wait set it first blocks until every queued
// download finishes or ctx ends; either way the scheduler is then shut down
// within the configured grace period. It returns the number of items
// touched this session that are not Complete.
func (s *Session) Close(ctx context.Context, wait bool) (int, error) {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return 0, nil
	}
	s.phase = PhaseClosed
	s.mu.Unlock()

	if wait {
		if err := s.sched.Wait(ctx); err != nil {
			s.logger.Warn("stopped waiting for downloads", "error", err)
		}
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	shutdownErr := s.sched.Shutdown(shutdownCtx)

	snapshot, err := s.ProgressSnapshot(context.Background())
	if err != nil {
		return 0, err
	}
	incomplete := 0
	for _, p := range snapshot {
		if p.State != StateComplete {
			incomplete++
		}
	}
	s.logger.Info("session closed", "incomplete", incomplete)
	return incomplete, shutdownErr
}

// Run drives the session against its UI until the user quits or ctx ends.
// initial may be empty, in which case the user is asked for a channel.
// Item failures and bad input are reported and never end the loop.
func (s *Session) Run(ctx context.Context, initial string) error {
	raw := initial
	for s.Channel() == nil {
		if raw == "" {
			var err error
			raw, err = s.ui.PromptChannel(ctx)
			if err != nil {
				return s.finish(ctx, err)
			}
		}
		if err := s.switchTo(ctx, raw); err != nil {
			s.ui.ShowError(err)
		}
		raw = ""
	}

	showInfo, relist := true, true
	for {
		if ctx.Err() != nil {
			return s.finish(ctx, ctx.Err())
		}

		ch := s.Channel()
		if showInfo {
			s.ui.ShowChannel(ch)
			showInfo = false
		}
		if relist {
			entries, err := s.GetAnnotatedListing(ctx, ch)
			if err != nil {
				s.ui.ShowError(err)
			} else {
				s.ui.ShowListing(ch, entries)
			}
			relist = false
		}

		cmd, err := s.ui.Prompt(ctx)
		if err != nil {
			var selErr *SelectionError
			if errors.As(err, &selErr) {
				s.ui.ShowError(err)
				continue
			}
			return s.finish(ctx, err)
		}

		switch cmd.Kind {
		case CommandSelect:
			relist = s.enqueue(ctx, cmd.IDs)
		case CommandSelectAll:
			ids, err := s.SelectableIDs(ctx)
			if err != nil {
				s.ui.ShowError(err)
				continue
			}
			if len(ids) == 0 {
				s.ui.ShowMessage("Nothing left to download in this listing.")
				continue
			}
			relist = s.enqueue(ctx, ids)
		case CommandRefresh:
			showInfo, relist = true, true
		case CommandStatus:
			snapshot, err := s.ProgressSnapshot(ctx)
			if err != nil {
				s.ui.ShowError(err)
				continue
			}
			s.ui.ShowProgress(snapshot)
		case CommandSwitch:
			raw := cmd.Channel
			if raw == "" {
				raw, err = s.ui.PromptChannel(ctx)
				if err != nil {
					return s.finish(ctx, err)
				}
			}
			if err := s.switchTo(ctx, raw); err != nil {
				s.ui.ShowError(err)
				continue
			}
			showInfo, relist = true, true
		case CommandQuit:
			return s.finish(ctx, ErrQuit)
		}
	}
}

func (s *Session) switchTo(ctx context.Context, raw string) error {
	ref, err := ParseChannelRef(raw)
	if err != nil {
		return &SelectionError{Input: raw, Reason: err.Error()}
	}
	_, err = s.SwitchChannel(ctx, ref)
	return err
}

// enqueue reports whether the selection was taken, in which case the
// session is browsing again and the listing needs a refresh.
func (s *Session) enqueue(ctx context.Context, ids []int64) bool {
	queued, skipped, total, err := s.selectItems(ctx, ids)
	if err != nil {
		s.ui.ShowError(err)
		var selErr *SelectionError
		if errors.As(err, &selErr) {
			return false
		}
		if queued == 0 {
			return true
		}
	}
	s.ui.ShowQueued(queued, skipped, total)
	return true
}

// finish closes the session after the loop ends. A quit request or end of
// input is a normal exit.
func (s *Session) finish(ctx context.Context, cause error) error {
	wait := false
	if errors.Is(cause, ErrQuit) && ctx.Err() == nil {
		if pending := s.sched.Pending(); pending > 0 {
			wait = s.ui.ConfirmWait(ctx, pending)
		}
	}

	incomplete, err := s.Close(ctx, wait)
	if err != nil {
		s.logger.Warn("closing session", "error", err)
	}
	if incomplete > 0 {
		s.ui.ShowMessage(fmt.Sprintf("%d download(s) not finished; they will resume next time.", incomplete))
	}

	if errors.Is(cause, ErrQuit) || errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}
