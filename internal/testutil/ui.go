package testutil

import (
	"context"
	"sync"

	"chandl/internal/dl"
)

// ScriptedUI is a dl.UI that answers prompts from fixed scripts and records
// everything shown. When a script runs out the prompt returns dl.ErrQuit.
type ScriptedUI struct {
	mu sync.Mutex

	Channels []string     // answers to PromptChannel
	Commands []dl.Command // answers to Prompt
	Wait     bool         // answer to ConfirmWait

	// BeforePrompt, when set, runs before each Prompt with the number of
	// commands already answered.
	BeforePrompt func(n int)

	ShownChannels []*dl.ChannelHandle
	Listings      [][]dl.ListingEntry
	Queued        [][3]int64 // queued, skipped, total bytes
	Progress      [][]dl.Progress
	Errors        []error
	Messages      []string
	Confirms      []int // pending counts passed to ConfirmWait

	prompts int
}

func (u *ScriptedUI) ShowChannel(ch *dl.ChannelHandle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ShownChannels = append(u.ShownChannels, ch)
}

func (u *ScriptedUI) ShowListing(ch *dl.ChannelHandle, entries []dl.ListingEntry) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Listings = append(u.Listings, entries)
}

func (u *ScriptedUI) ShowQueued(queued, skipped int, totalBytes int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Queued = append(u.Queued, [3]int64{int64(queued), int64(skipped), totalBytes})
}

func (u *ScriptedUI) ShowProgress(entries []dl.Progress) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Progress = append(u.Progress, entries)
}

func (u *ScriptedUI) ShowError(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Errors = append(u.Errors, err)
}

func (u *ScriptedUI) ShowMessage(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Messages = append(u.Messages, msg)
}

func (u *ScriptedUI) PromptChannel(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.Channels) == 0 {
		return "", dl.ErrQuit
	}
	next := u.Channels[0]
	u.Channels = u.Channels[1:]
	return next, nil
}

func (u *ScriptedUI) Prompt(ctx context.Context) (dl.Command, error) {
	u.mu.Lock()
	hook, n := u.BeforePrompt, u.prompts
	u.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompts++
	if len(u.Commands) == 0 {
		return dl.Command{}, dl.ErrQuit
	}
	next := u.Commands[0]
	u.Commands = u.Commands[1:]
	return next, nil
}

func (u *ScriptedUI) ConfirmWait(ctx context.Context, pending int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Confirms = append(u.Confirms, pending)
	return u.Wait
}

var _ dl.UI = (*ScriptedUI)(nil)
