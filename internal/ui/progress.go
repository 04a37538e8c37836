package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"chandl/internal/dl"
)

// ProgressBar shows the combined byte progress of a batch of downloads.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a bar for total bytes. A total of zero or less
// shows a spinner instead.
func NewProgressBar(out io.Writer, total int64, description string) *ProgressBar {
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(out)
		}),
	)
	return &ProgressBar{bar: bar}
}

// Update sets the bar to the bytes written across entries.
func (p *ProgressBar) Update(entries []dl.Progress) error {
	var written int64
	for _, e := range entries {
		written += e.BytesWritten
	}
	return p.bar.Set64(written)
}

// Current returns the value last shown.
func (p *ProgressBar) Current() int64 {
	return p.bar.State().CurrentNum
}

// Finish completes the bar.
func (p *ProgressBar) Finish() error {
	return p.bar.Finish()
}

// WatchProgress refreshes bar from snapshot every interval until ctx ends,
// then draws one last update.
func WatchProgress(ctx context.Context, bar *ProgressBar, snapshot func(context.Context) ([]dl.Progress, error), interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			entries, err := snapshot(context.Background())
			if err != nil {
				return err
			}
			return bar.Update(entries)
		case <-ticker.C:
			entries, err := snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				return err
			}
			if err := bar.Update(entries); err != nil {
				return err
			}
		}
	}
}
