package dl

import "context"

// CommandKind is what the user asked for at the selection prompt.
type CommandKind int

const (
	CommandSelect CommandKind = iota
	CommandSelectAll
	CommandRefresh
	CommandSwitch
	CommandStatus
	CommandQuit
)

// Command is a parsed line of user input.
type Command struct {
	Kind    CommandKind
	IDs     []int64 // message ids, for CommandSelect
	Channel string  // raw channel reference, for CommandSwitch; empty means ask
}

// ListingEntry is one row of an annotated listing.
type ListingEntry struct {
	Item   MediaItem
	Status Status
	Record *DownloadRecord // nil when Status is StatusUnseen
}

// UI is the interactive terminal collaborator. Prompt methods return ErrQuit
// when the user ends input.
type UI interface {
	ShowChannel(ch *ChannelHandle)
	ShowListing(ch *ChannelHandle, entries []ListingEntry)
	ShowQueued(queued, skipped int, totalBytes int64)
	ShowProgress(entries []Progress)
	ShowError(err error)
	ShowMessage(msg string)

	PromptChannel(ctx context.Context) (string, error)
	Prompt(ctx context.Context) (Command, error)

	// ConfirmWait asks whether to wait for pending downloads before exiting.
	ConfirmWait(ctx context.Context, pending int) bool
}
