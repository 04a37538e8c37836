package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chandl/internal/archive"
	"chandl/internal/config"
	"chandl/internal/database"
	"chandl/internal/dl"
	"chandl/internal/encryption"
	"chandl/internal/fs"
	"chandl/internal/ratelimit"
	"chandl/internal/source"
	"chandl/internal/statusapi"
	"chandl/internal/ui"
)

// Options adjusts how a ChandlApp is built.
type Options struct {
	// Interactive keeps log lines off the terminal; they go to the log file only.
	Interactive bool
	Verbose     bool

	// Source replaces the configured media source.
	Source dl.Source
	// Files replaces the local file store.
	Files dl.FileStore
	Clock dl.Clock
	// IDs names the run in every log line. Defaults to random UUIDs.
	IDs dl.IDGenerator
}

// ChandlApp is the application layer between the CLI and the download core.
// It builds the ledger and logger up front; the source, archive and
// scheduler are built the first time a command needs them. Close releases
// everything.
type ChandlApp struct {
	cfg       *config.Config
	opts      Options
	store     database.Store
	encryptor dl.Encryptor
	logger    dl.Logger
	op        *Operation
	logFile   *os.File

	source dl.Source
	sched  *dl.Scheduler
}

// NewChandlApp creates a ChandlApp from the given config.
// operation identifies the CLI command being run (e.g. "Browse", "Get").
// The caller must call Close when done.
func NewChandlApp(cfg *config.Config, operation string, opts Options) (*ChandlApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	ids := opts.IDs
	if ids == nil {
		ids = dl.UUIDGenerator{}
	}
	opID := ids.New()
	sl, logFile, err := newLogger(cfg.LogDir, opID, !opts.Interactive, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	clock := opts.Clock
	if clock == nil {
		clock = dl.RealClock{}
	}
	store, err := database.NewLedgerFromConfig(cfg.Database, cfg.HostID, clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating ledger: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	return &ChandlApp{
		cfg:       cfg,
		opts:      opts,
		store:     store,
		encryptor: enc,
		logger:    logger,
		op:        NewOperation(operation, ""),
		logFile:   logFile,
	}, nil
}

// Config returns the loaded configuration.
func (a *ChandlApp) Config() *config.Config {
	return a.cfg
}

// Ledger returns the download ledger.
func (a *ChandlApp) Ledger() dl.Ledger {
	return a.store
}

// persistOperation saves the operation to the log, giving it an id.
// This should only be called for ledger-mutating commands.
func (a *ChandlApp) persistOperation(ctx context.Context, parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	op, err := a.store.CreateOperation(ctx, a.op.Name, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = op.ID
	return nil
}

func (a *ChandlApp) getSource() (dl.Source, error) {
	if a.source != nil {
		return a.source, nil
	}
	if a.opts.Source != nil {
		a.source = a.opts.Source
		return a.source, nil
	}
	src, err := source.NewSourceFromConfig(a.cfg.Source, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating source: %w", err)
	}
	a.source = src
	return src, nil
}

// scheduler builds and starts the scheduler. Records a crashed run left
// InProgress are paused first, before any worker exists.
func (a *ChandlApp) scheduler(ctx context.Context) (*dl.Scheduler, error) {
	if a.sched != nil {
		return a.sched, nil
	}

	src, err := a.getSource()
	if err != nil {
		return nil, err
	}

	recovered, err := a.store.RecoverInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering interrupted downloads: %w", err)
	}
	if recovered > 0 {
		a.logger.Info("paused interrupted downloads", "count", recovered)
	}

	d := a.cfg.Downloads
	mode, err := dl.ParseVerifyMode(d.VerifyMode)
	if err != nil {
		return nil, err
	}

	r := a.cfg.RateLimit
	budgets, err := ratelimit.NewBudgets(ratelimit.Limits{
		BytesPerSecond: r.BytesPerSecond,
		MaxRate:        r.MaxRate,
		TimePeriod:     time.Duration(r.TimePeriod * float64(time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("creating rate budgets: %w", err)
	}

	opts := []dl.SchedulerOption{dl.WithBudgets(budgets...), dl.WithLogger(a.logger)}

	arch, err := archive.NewArchiveFromConfig(ctx, a.cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	if arch != nil {
		if a.encryptor != nil && !a.encryptor.IsConfigured() {
			return nil, fmt.Errorf("encryption keys not found: run 'chandl config keys' first")
		}
		opts = append(opts, dl.WithCompletionHooks(archive.NewHook(arch, a.encryptor, a.store, a.logger)))
	}

	files := a.opts.Files
	if files == nil {
		files = fs.NewOSFileStore()
	}

	a.sched = dl.NewScheduler(dl.SchedulerConfig{
		Workers:       d.MaxConcurrentDownloads,
		QueueSize:     d.QueueSize,
		ChunkSize:     d.ChunkSize,
		ChunkTimeout:  time.Duration(d.ChunkTimeoutMs) * time.Millisecond,
		RetryAttempts: d.RetryAttempts,
		BackoffBase:   time.Duration(d.BackoffBaseMs) * time.Millisecond,
		BackoffCap:    time.Duration(d.BackoffCapMs) * time.Millisecond,
		VerifyMode:    mode,
	}, a.store, src, files, opts...)
	a.sched.Start()
	return a.sched, nil
}

// filter builds the listing filter from config and the ignore file in the
// base directory.
func (a *ChandlApp) filter() (*dl.ItemFilter, error) {
	matcher, err := fs.LoadIgnoreMatcher(a.cfg.Filters.Ignore, filepath.Join(a.cfg.BaseDir, fs.IgnoreFileName))
	if err != nil {
		return nil, fmt.Errorf("loading ignore patterns: %w", err)
	}
	kinds := make([]dl.MediaKind, 0, len(a.cfg.Filters.Kinds))
	for _, raw := range a.cfg.Filters.Kinds {
		k, err := dl.ParseMediaKind(raw)
		if err != nil {
			return nil, fmt.Errorf("filters.kinds: %w", err)
		}
		kinds = append(kinds, k)
	}
	return dl.NewItemFilter(matcher, kinds), nil
}

func (a *ChandlApp) newSession(ctx context.Context, u dl.UI, scanLimit int) (*dl.Session, error) {
	sched, err := a.scheduler(ctx)
	if err != nil {
		return nil, err
	}
	filter, err := a.filter()
	if err != nil {
		return nil, err
	}
	return dl.NewSession(dl.SessionConfig{
		DownloadDir:   a.cfg.Downloads.DownloadDir,
		ScanLimit:     scanLimit,
		Filter:        filter,
		ShutdownGrace: a.shutdownGrace(),
	}, a.store, a.source, sched, u, a.logger), nil
}

func (a *ChandlApp) shutdownGrace() time.Duration {
	return time.Duration(a.cfg.Downloads.ShutdownGraceMs) * time.Millisecond
}

func (a *ChandlApp) statusOptions() statusapi.Options {
	return statusapi.Options{
		Interval:     time.Duration(a.cfg.StatusAPI.UpdateIntervalMs) * time.Millisecond,
		AllowOrigins: a.cfg.StatusAPI.AllowOrigins,
		Logger:       a.logger,
	}
}

// Browse runs an interactive session on u. channel may be empty, in which
// case the user is asked for one. A non-empty statusAddr serves the
// session's progress over HTTP while it runs.
func (a *ChandlApp) Browse(ctx context.Context, u dl.UI, channel string, scanLimit int, statusAddr string) error {
	if err := a.persistOperation(ctx, channel); err != nil {
		return err
	}
	session, err := a.newSession(ctx, u, scanLimit)
	if err != nil {
		return a.op.Fail(err)
	}

	if statusAddr != "" {
		srv := statusapi.New(session, a.store, a.statusOptions())
		srvCtx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- srv.Run(srvCtx, statusAddr) }()
		a.logger.Info("status api listening", "addr", statusAddr)
		defer func() {
			cancel()
			if err := <-errc; err != nil {
				a.logger.Warn("status api stopped", "error", err)
			}
		}()
	}

	return a.op.Fail(session.Run(ctx, channel))
}

// GetResult summarises a non-interactive download.
type GetResult struct {
	Channel    *dl.ChannelHandle
	Queued     int
	Incomplete int
}

// Get downloads the given message ids of channel, or every item not yet
// complete when ids is empty, and waits for them while drawing a progress
// bar on out. Cancelling ctx pauses what is still running.
func (a *ChandlApp) Get(ctx context.Context, channel string, ids []int64, out io.Writer) (*GetResult, error) {
	if err := a.persistOperation(ctx, strings.TrimSpace(channel+" "+joinIDs(ids))); err != nil {
		return nil, err
	}
	ref, err := dl.ParseChannelRef(channel)
	if err != nil {
		return nil, a.op.Fail(err)
	}

	session, err := a.newSession(ctx, nil, 0)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	ch, err := session.SwitchChannel(ctx, ref)
	if err != nil {
		session.Close(ctx, false)
		return nil, a.op.Fail(err)
	}
	entries, err := session.GetAnnotatedListing(ctx, ch)
	if err != nil {
		session.Close(ctx, false)
		return nil, a.op.Fail(err)
	}
	if len(ids) == 0 {
		if ids, err = session.SelectableIDs(ctx); err != nil {
			session.Close(ctx, false)
			return nil, a.op.Fail(err)
		}
	}

	result := &GetResult{Channel: ch}
	if len(ids) == 0 {
		session.Close(ctx, false)
		return result, nil
	}

	queued, err := session.SelectItems(ctx, ids)
	if err != nil {
		session.Close(ctx, false)
		return nil, a.op.Fail(err)
	}
	result.Queued = queued

	bar := ui.NewProgressBar(out, selectedBytes(entries, ids), ch.Title)
	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- ui.WatchProgress(watchCtx, bar, session.ProgressSnapshot, 200*time.Millisecond)
	}()

	incomplete, err := session.Close(ctx, true)
	stopWatch()
	if werr := <-watchDone; werr != nil {
		a.logger.Warn("progress display failed", "error", werr)
	}
	bar.Finish()

	result.Incomplete = incomplete
	if err != nil {
		return result, a.op.Fail(err)
	}
	if incomplete > 0 {
		a.op.Status = "error"
	}
	return result, nil
}

// selectedBytes sums the declared sizes of the chosen items that still need
// downloading. Any unknown size makes the total unknown.
func selectedBytes(entries []dl.ListingEntry, ids []int64) int64 {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var total int64
	for _, e := range entries {
		if !want[e.Item.Key.MessageID] || e.Status == dl.StatusComplete {
			continue
		}
		if e.Item.Size < 0 {
			return -1
		}
		total += e.Item.Size
	}
	return total
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// resolveChannelID turns a channel reference into an id. Numeric references
// are used directly so the ledger can be read without contacting the source.
func (a *ChandlApp) resolveChannelID(ctx context.Context, channel string) (int64, error) {
	ref, err := dl.ParseChannelRef(channel)
	if err != nil {
		return 0, err
	}
	if ref.Username == "" {
		return ref.ID, nil
	}
	src, err := a.getSource()
	if err != nil {
		return 0, err
	}
	ch, err := src.ResolveChannel(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("resolving channel %s: %w", ref, err)
	}
	return ch.ID, nil
}

// GetStatus returns every ledger record of a channel.
func (a *ChandlApp) GetStatus(ctx context.Context, channel string) ([]*dl.DownloadRecord, error) {
	id, err := a.resolveChannelID(ctx, channel)
	if err != nil {
		return nil, err
	}
	return a.store.ListChannel(ctx, id)
}

// GetHistory returns the most recent operations.
func (a *ChandlApp) GetHistory(ctx context.Context, limit int) ([]*dl.Operation, error) {
	return a.store.ListOperations(ctx, limit)
}

// Serve runs the status API for the given channels until ctx ends.
func (a *ChandlApp) Serve(ctx context.Context, addr string, channels []string) error {
	if addr == "" {
		addr = a.cfg.StatusAPI.Addr
	}
	if addr == "" {
		return fmt.Errorf("no listen address: set status_api.addr or pass --addr")
	}

	ids := make([]int64, 0, len(channels))
	for _, c := range channels {
		id, err := a.resolveChannelID(ctx, c)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	srv := statusapi.New(&statusapi.ChannelProgress{Ledger: a.store, Channels: ids}, a.store, a.statusOptions())
	a.logger.Info("status api listening", "addr", addr, "channels", len(ids))
	return srv.Run(ctx, addr)
}

// SetupKeys generates the archive encryption key pair.
func (a *ChandlApp) SetupKeys(passphrase string) error {
	if a.encryptor == nil {
		return fmt.Errorf("encryption is not enabled: set encryption.type in the config")
	}
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up keys: %w", err)
	}
	return nil
}

// Decrypt writes the plaintext of an encrypted archive copy to w.
func (a *ChandlApp) Decrypt(r io.Reader, w io.Writer, passphrase string) error {
	if a.encryptor == nil {
		return fmt.Errorf("encryption is not enabled: set encryption.type in the config")
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	if err := dc.Decrypt(r, w); err != nil {
		return fmt.Errorf("decrypting: %w", err)
	}
	return nil
}

// Close stops the scheduler, finishes the operation record and closes all
// resources. It returns the first error.
func (a *ChandlApp) Close() error {
	var firstErr error

	if a.sched != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace()+time.Second)
		if err := a.sched.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("stopping scheduler: %w", err)
		}
		cancel()
	}

	if a.op.Persisted() {
		if err := a.store.FinishOperation(context.Background(), a.op.ID, a.op.Status); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing ledger: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
