package dl

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sync"
	"time"
)

// SchedulerConfig holds the tunables of a Scheduler.
type SchedulerConfig struct {
	Workers       int           // tasks fetching at the same time
	QueueSize     int           // tasks waiting for a worker before Submit blocks
	ChunkSize     int           // bytes requested per FetchRange call
	ChunkTimeout  time.Duration // deadline for a single FetchRange call
	RetryAttempts int           // total attempts per run for transient failures
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	VerifyMode    VerifyMode
}

// DefaultSchedulerConfig returns the values used when config leaves them unset.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:       3,
		QueueSize:     64,
		ChunkSize:     512 * 1024,
		ChunkTimeout:  30 * time.Second,
		RetryAttempts: 3,
		BackoffBase:   500 * time.Millisecond,
		BackoffCap:    30 * time.Second,
		VerifyMode:    VerifyChecksum,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	d := DefaultSchedulerConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = d.ChunkTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.VerifyMode == "" {
		c.VerifyMode = d.VerifyMode
	}
	return c
}

// SchedulerOption configures optional Scheduler collaborators.
type SchedulerOption func(*Scheduler)

// WithBudgets makes every chunk wait for each of the given rate budgets.
func WithBudgets(budgets ...Budget) SchedulerOption {
	return func(s *Scheduler) {
		for _, b := range budgets {
			if b.Governor != nil {
				s.budgets = append(s.budgets, b)
			}
		}
	}
}

// WithCompletionHooks runs hooks after each completed download.
func WithCompletionHooks(hooks ...CompletionHook) SchedulerOption {
	return func(s *Scheduler) {
		s.hooks = append(s.hooks, hooks...)
	}
}

// WithLogger sets the scheduler's logger. The default discards output.
func WithLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// Scheduler runs download tasks on a fixed pool of workers.
// The ledger record of a task is the only state shared with other actors;
// a worker owns a task's partial file only after winning the transition to
// InProgress.
type Scheduler struct {
	cfg     SchedulerConfig
	ledger  Ledger
	source  Source
	files   FileStore
	resume  *ResumeEngine
	budgets []Budget
	hooks   []CompletionHook
	logger  Logger

	queue chan *Handle

	// stopCtx ends when shutdown begins. Handle contexts derive from it.
	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	// abortCtx ends when the shutdown grace period runs out. In-flight
	// fetches derive from it.
	abortCtx context.Context
	abort    context.CancelFunc

	startOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	handles map[Key]*Handle
	pending int
	idle    chan struct{}
}

// NewScheduler creates a scheduler. Call Start to launch its workers.
func NewScheduler(cfg SchedulerConfig, ledger Ledger, source Source, files FileStore, opts ...SchedulerOption) *Scheduler {
	cfg = cfg.withDefaults()
	stopCtx, stop := context.WithCancel(context.Background())
	abortCtx, abort := context.WithCancel(context.Background())

	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		cfg:      cfg,
		ledger:   ledger,
		source:   source,
		files:    files,
		resume:   NewResumeEngine(files, cfg.VerifyMode),
		logger:   NewNopLogger(),
		queue:    make(chan *Handle, cfg.QueueSize),
		stopCtx:  stopCtx,
		stop:     stop,
		abortCtx: abortCtx,
		abort:    abort,
		handles:  make(map[Key]*Handle),
		idle:     idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the workers. Calling it more than once has no effect.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(i)
		}
		s.logger.Debug("scheduler started", "workers", s.cfg.Workers)
	})
}

// Submit records the task in the ledger and queues it. It blocks while the
// queue is full. A key that is already queued or running returns the
// existing handle. Items the ledger already holds as Complete come back as
// a finished handle without being queued.
func (s *Scheduler) Submit(ctx context.Context, task Task) (*Handle, error) {
	if s.stopping() {
		return nil, ErrQueueClosed
	}
	key := task.Item.Key

	s.mu.Lock()
	if h, ok := s.handles[key]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	rec, err := s.ledger.CreateOrResume(ctx, key, task.Item.Size, task.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("registering download %s: %w", key, err)
	}
	task.TargetPath = rec.TargetPath

	h := newHandle(s.stopCtx, task)
	if rec.State == StateComplete {
		h.resolve(rec, nil)
		return h, nil
	}

	s.mu.Lock()
	if existing, ok := s.handles[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.handles[key] = h
	s.pending++
	if s.pending == 1 {
		s.idle = make(chan struct{})
	}
	s.mu.Unlock()

	select {
	case s.queue <- h:
	case <-ctx.Done():
		s.finish(h, rec, ctx.Err())
		return nil, ctx.Err()
	case <-s.stopCtx.Done():
		s.finish(h, rec, ErrQueueClosed)
		return nil, ErrQueueClosed
	}

	// A shutdown that drained the queue before this send would miss h.
	if s.stopping() {
		s.drain()
	}
	s.logger.Debug("task queued", "key", key.String(), "state", string(rec.State))
	return h, nil
}

// Pending returns the number of submitted tasks without a result yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Wait blocks until every submitted task has a result or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and pauses running ones after their current
// chunk. When ctx ends first, in-flight fetches are aborted and their tasks
// paused at the last recorded byte. Tasks that never started stay Queued.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(s.stop)

	workersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workersDone)
	}()

	var err error
	select {
	case <-workersDone:
	case <-ctx.Done():
		s.logger.Warn("shutdown grace period exceeded, aborting fetches")
		s.abort()
		<-workersDone
		err = fmt.Errorf("shutdown grace period exceeded: %w", ctx.Err())
	}

	s.drain()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) stopping() bool {
	return s.stopCtx.Err() != nil
}

// drain resolves queued handles that no worker will pick up.
func (s *Scheduler) drain() {
	for {
		select {
		case h := <-s.queue:
			s.leaveQueued(h)
		default:
			return
		}
	}
}

func (s *Scheduler) leaveQueued(h *Handle) {
	rec, err := s.ledger.Get(context.Background(), h.Key())
	if err != nil {
		s.finish(h, nil, fmt.Errorf("reading record: %w", err))
		return
	}
	s.finish(h, rec, ErrQueueClosed)
}

// finish forgets h before resolving it, so Submit never hands out a
// finished handle, and counts it done after, so Wait sees its result.
func (s *Scheduler) finish(h *Handle, rec *DownloadRecord, err error) {
	s.mu.Lock()
	if s.handles[h.Key()] == h {
		delete(s.handles, h.Key())
	}
	s.mu.Unlock()

	h.resolve(rec, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCtx.Done():
			return
		case h := <-s.queue:
			if s.stopping() {
				s.leaveQueued(h)
				return
			}
			rec, err := s.run(h)
			if err != nil {
				s.logger.Debug("task ended with error", "worker", id, "key", h.Key().String(), "error", err)
			}
			s.finish(h, rec, err)
		}
	}
}

// run takes one task from its current state to a terminal outcome.
func (s *Scheduler) run(h *Handle) (*DownloadRecord, error) {
	bg := context.Background()
	key := h.Key()
	item := h.Task.Item

	rec, err := s.ledger.Get(bg, key)
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	switch rec.State {
	case StateComplete:
		return rec, nil
	case StateInProgress:
		err := &StaleStateError{Key: key, Expected: StateQueued, Actual: rec.State}
		s.logger.Error("download already owned by another worker", "key", key.String(), "error", err)
		return rec, err
	}

	if h.cancelled.Load() {
		if rec.State == StateQueued {
			return s.ledger.Transition(bg, key, StateQueued, StatePaused, TransitionFields{})
		}
		return rec, nil
	}

	rec, err = s.ledger.Transition(bg, key, rec.State, StateInProgress, TransitionFields{IncrementAttempts: true})
	if err != nil {
		s.logger.Error("could not claim download", "key", key.String(), "error", err)
		return rec, err
	}
	s.logger.Info("download started", "key", key.String(), "name", item.DisplayName(), "attempt", rec.Attempts)

	rec, err = s.transfer(h, rec)
	if err != nil {
		var stale *StaleStateError
		var regression *RegressionError
		if errors.As(err, &stale) || errors.As(err, &regression) {
			s.logger.Error("ledger rejected update, aborting task", "key", key.String(), "error", err)
			return rec, err
		}
		return s.fail(key, err)
	}
	return rec, nil
}

func (s *Scheduler) fail(key Key, cause error) (*DownloadRecord, error) {
	s.logger.Error("download failed", "key", key.String(), "error", cause)
	rec, err := s.ledger.Transition(context.Background(), key, StateInProgress, StateFailed, TransitionFields{LastError: cause.Error()})
	if err != nil {
		return rec, fmt.Errorf("marking failed after %v: %w", cause, err)
	}
	return rec, cause
}

func (s *Scheduler) pause(key Key) (*DownloadRecord, error) {
	rec, err := s.ledger.Transition(context.Background(), key, StateInProgress, StatePaused, TransitionFields{})
	if err != nil {
		return rec, fmt.Errorf("pausing download: %w", err)
	}
	s.logger.Info("download paused", "key", key.String(), "bytes", rec.BytesWritten)
	return rec, nil
}

// transfer moves bytes for an InProgress record until it completes, pauses
// or fails. Only permanent failures and exhausted retries come back as
// errors to be stored on the record.
func (s *Scheduler) transfer(h *Handle, rec *DownloadRecord) (*DownloadRecord, error) {
	bg := context.Background()
	key := rec.Key
	item := h.Task.Item
	partial := rec.PartialPath()

	if done, err := s.adoptExisting(rec, item); err != nil || done != nil {
		return done, err
	}

	plan, err := s.resume.PlanResume(rec, rec.DeclaredSize)
	if err != nil {
		return rec, err
	}
	if !plan.Verified {
		s.logger.Warn("discarding partial file", "key", key.String(), "reason", plan.Reason)
		if rec.BytesWritten > 0 || rec.PartialSHA256 != "" {
			rec, err = s.ledger.Transition(bg, key, StateInProgress, StateInProgress, TransitionFields{ResetProgress: true})
			if err != nil {
				return rec, err
			}
		}
	} else if plan.Offset > 0 {
		s.logger.Info("resuming download", "key", key.String(), "offset", plan.Offset)
	}

	w, err := s.files.OpenAt(partial, plan.Offset)
	if err != nil {
		return rec, fmt.Errorf("opening partial file: %w", err)
	}
	defer w.Close()

	offset := plan.Offset
	digest := plan.Digest
	attempt := 1

	for {
		if h.ctx.Err() != nil {
			return s.pause(key)
		}
		if rec.DeclaredSize != SizeUnknown && offset >= rec.DeclaredSize {
			break
		}

		want := s.cfg.ChunkSize
		if rec.DeclaredSize != SizeUnknown && rec.DeclaredSize-offset < int64(want) {
			want = int(rec.DeclaredSize - offset)
		}

		data, err := s.nextChunk(h, item, offset, want)
		if err == nil && len(data) == 0 {
			if rec.DeclaredSize == SizeUnknown {
				break
			}
			err = &TransientError{Op: "fetch", Err: fmt.Errorf("stream ended at %d of %d bytes", offset, rec.DeclaredSize)}
		}
		if err != nil {
			if h.ctx.Err() != nil || s.abortCtx.Err() != nil {
				return s.pause(key)
			}
			if !IsTransient(err) {
				return rec, err
			}
			if attempt >= s.cfg.RetryAttempts {
				return rec, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}

			delay := backoff(s.cfg.BackoffBase, s.cfg.BackoffCap, attempt)
			s.logger.Warn("transient fetch error, retrying", "key", key.String(), "attempt", attempt, "delay", delay, "error", err)
			attempt++
			rec, err = s.ledger.Transition(bg, key, StateInProgress, StateInProgress, TransitionFields{LastError: err.Error(), IncrementAttempts: true})
			if err != nil {
				return rec, err
			}
			if !sleepCtx(h.ctx, delay) {
				return s.pause(key)
			}
			continue
		}
		if len(data) > want {
			data = data[:want]
		}

		if _, err := w.Write(data); err != nil {
			return rec, fmt.Errorf("writing partial file: %w", err)
		}
		if err := w.Sync(); err != nil {
			return rec, fmt.Errorf("syncing partial file: %w", err)
		}
		offset += int64(len(data))

		sum := ""
		if digest != nil {
			digest.Write(data)
			sum = hex.EncodeToString(digest.Sum(nil))
		}
		rec, err = s.ledger.RecordProgress(bg, key, offset, sum)
		if err != nil {
			return rec, err
		}
		attempt = 1
	}

	if err := w.Close(); err != nil {
		return rec, fmt.Errorf("closing partial file: %w", err)
	}

	if err := s.checkFingerprint(partial, offset, item, digest); err != nil {
		if rmErr := s.files.Remove(partial); rmErr != nil {
			s.logger.Warn("removing corrupt partial file", "path", partial, "error", rmErr)
		}
		if _, resetErr := s.ledger.Transition(bg, key, StateInProgress, StateInProgress, TransitionFields{ResetProgress: true}); resetErr != nil {
			return rec, resetErr
		}
		return rec, err
	}

	if err := s.files.Finalize(partial, rec.TargetPath); err != nil {
		return rec, fmt.Errorf("finalizing download: %w", err)
	}
	return s.complete(rec, item)
}

// adoptExisting completes a record whose target file is already on disk,
// such as one downloaded before the ledger existed.
func (s *Scheduler) adoptExisting(rec *DownloadRecord, item MediaItem) (*DownloadRecord, error) {
	size, exists, err := s.files.Stat(rec.TargetPath)
	if err != nil || !exists {
		return nil, nil
	}
	if size < rec.BytesWritten || (rec.DeclaredSize != SizeUnknown && size != rec.DeclaredSize) {
		return nil, nil
	}
	if want, ok := item.SHA256(); ok {
		h, err := s.files.HashPrefix(rec.TargetPath, size)
		if err != nil || hex.EncodeToString(h.Sum(nil)) != want {
			return nil, nil
		}
	}

	s.logger.Info("target file already present", "key", rec.Key.String(), "path", rec.TargetPath)
	rec, err = s.ledger.RecordProgress(context.Background(), rec.Key, size, "")
	if err != nil {
		return rec, err
	}
	if err := s.files.Remove(rec.PartialPath()); err != nil {
		s.logger.Warn("removing stale partial file", "path", rec.PartialPath(), "error", err)
	}
	return s.complete(rec, item)
}

func (s *Scheduler) complete(rec *DownloadRecord, item MediaItem) (*DownloadRecord, error) {
	rec, err := s.ledger.Transition(context.Background(), rec.Key, StateInProgress, StateComplete, TransitionFields{})
	if err != nil {
		return rec, err
	}
	s.logger.Info("download complete", "key", rec.Key.String(), "path", rec.TargetPath, "bytes", rec.BytesWritten)

	for _, hook := range s.hooks {
		if err := hook.OnComplete(context.Background(), rec, item); err != nil {
			s.logger.Warn("completion hook failed", "key", rec.Key.String(), "error", err)
		}
	}
	return rec, nil
}

func (s *Scheduler) checkFingerprint(partial string, size int64, item MediaItem, digest hash.Hash) error {
	want, ok := item.SHA256()
	if !ok {
		return nil
	}
	if digest == nil {
		h, err := s.files.HashPrefix(partial, size)
		if err != nil {
			return fmt.Errorf("hashing finished file: %w", err)
		}
		digest = h
	}
	if got := hex.EncodeToString(digest.Sum(nil)); got != want {
		return &IntegrityMismatchError{Path: partial, ExpectedBytes: size, ActualBytes: size, ChecksumMismatch: true}
	}
	return nil
}

// nextChunk waits for rate budget and fetches one chunk. Budget waits end
// with the handle; the fetch itself survives a pause request so the chunk
// in flight can land.
func (s *Scheduler) nextChunk(h *Handle, item MediaItem, offset int64, want int) ([]byte, error) {
	for _, b := range s.budgets {
		if err := b.Governor.Acquire(h.ctx, b.units(want)); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(s.abortCtx, s.cfg.ChunkTimeout)
	defer cancel()
	return s.source.FetchRange(ctx, item, offset, want)
}

// backoff returns base * 2^(attempt-1), capped.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Scheduled reports whether key is queued or running in this scheduler.
func (s *Scheduler) Scheduled(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[key]
	return ok
}
