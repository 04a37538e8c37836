// Package ui is the interactive terminal front end of a selection session.
package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"chandl/internal/dl"
)

const (
	channelPrompt   = "Enter channel ID or username (or 'exit' to quit): "
	selectionPrompt = "Select ids (e.g. 1,3,5-7), [a]ll, [r]efresh, [s]tatus, [c]hannel, [q]uit: "
)

type palette struct {
	enabled  bool
	title    lipgloss.Style
	complete lipgloss.Style
	active   lipgloss.Style
	paused   lipgloss.Style
	failed   lipgloss.Style
	faint    lipgloss.Style
}

func (p palette) render(style lipgloss.Style, s string) string {
	if !p.enabled {
		return s
	}
	return style.Render(s)
}

func newPalette(out io.Writer, enabled bool) palette {
	r := lipgloss.NewRenderer(out)
	return palette{
		enabled:  enabled,
		title:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		complete: r.NewStyle().Foreground(lipgloss.Color("42")),
		active:   r.NewStyle().Foreground(lipgloss.Color("220")),
		paused:   r.NewStyle().Foreground(lipgloss.Color("39")),
		failed:   r.NewStyle().Foreground(lipgloss.Color("196")),
		faint:    r.NewStyle().Faint(true),
	}
}

// Terminal implements dl.UI on a line-oriented terminal. Colour is used only
// when out is a terminal and NO_COLOR is unset.
type Terminal struct {
	in      *bufio.Reader
	out     io.Writer
	palette palette
}

// NewTerminal creates a terminal UI reading commands from in.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	color := false
	if f, ok := out.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &Terminal{
		in:      bufio.NewReader(in),
		out:     out,
		palette: newPalette(out, color),
	}
}

func (t *Terminal) ShowChannel(ch *dl.ChannelHandle) {
	username := "N/A"
	if ch.Username != "" {
		username = "@" + ch.Username
	}
	fmt.Fprintln(t.out, t.palette.render(t.palette.title, "Channel Information:"))
	fmt.Fprintf(t.out, "Title: %s\n", ch.Title)
	fmt.Fprintf(t.out, "Username: %s\n", username)
	fmt.Fprintf(t.out, "ID: %d\n", ch.ID)
	if ch.Members > 0 {
		fmt.Fprintf(t.out, "Participants: %d\n", ch.Members)
	}
}

func (t *Terminal) ShowListing(ch *dl.ChannelHandle, entries []dl.ListingEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(t.out, "No media found.")
		return
	}
	for _, e := range entries {
		fmt.Fprintln(t.out, t.listingLine(e))
	}
}

func (t *Terminal) listingLine(e dl.ListingEntry) string {
	item := e.Item
	kind := string(item.Kind)
	if kind != "" {
		kind = strings.ToUpper(kind[:1]) + kind[1:]
	}
	line := fmt.Sprintf("%6d  %s (%s) - %s - %s", item.Key.MessageID, item.DisplayName(), FormatSize(item.Size), kind, item.Quality())

	switch e.Status {
	case dl.StatusComplete:
		return t.palette.render(t.palette.complete, line+" [DOWNLOADED]")
	case dl.StatusInProgress:
		return t.palette.render(t.palette.active, fmt.Sprintf("%s [DOWNLOADING %.0f%%]", line, e.Record.Percent()))
	case dl.StatusQueued:
		return t.palette.render(t.palette.active, line+" [QUEUED]")
	case dl.StatusPaused:
		return t.palette.render(t.palette.paused, fmt.Sprintf("%s [PAUSED %.0f%%]", line, e.Record.Percent()))
	case dl.StatusFailed:
		return t.palette.render(t.palette.failed, line+" [FAILED]")
	default:
		return line
	}
}

func (t *Terminal) ShowQueued(queued, skipped int, totalBytes int64) {
	fmt.Fprintf(t.out, "Queued %d item(s), %s total.\n", queued, humanize.IBytes(uint64(totalBytes)))
	if skipped > 0 {
		fmt.Fprintln(t.out, t.palette.render(t.palette.faint,
			fmt.Sprintf("Skipped %d item(s) already downloaded or scheduled.", skipped)))
	}
}

func (t *Terminal) ShowProgress(entries []dl.Progress) {
	if len(entries) == 0 {
		fmt.Fprintln(t.out, "Nothing queued in this session.")
		return
	}
	for _, p := range entries {
		line := fmt.Sprintf("%-24s %-12s %5.1f%%  %s / %s",
			p.Key.String(), p.State, p.Percent, humanize.IBytes(uint64(p.BytesWritten)), FormatSize(p.DeclaredSize))
		if p.LastError != "" {
			line += "  " + p.LastError
		}
		fmt.Fprintln(t.out, t.palette.render(t.stateStyle(p.State), line))
	}
}

func (t *Terminal) stateStyle(s dl.State) lipgloss.Style {
	switch s {
	case dl.StateComplete:
		return t.palette.complete
	case dl.StateFailed:
		return t.palette.failed
	case dl.StatePaused:
		return t.palette.paused
	default:
		return t.palette.active
	}
}

func (t *Terminal) ShowError(err error) {
	fmt.Fprintln(t.out, t.palette.render(t.palette.failed, "Error: "+err.Error()))
}

func (t *Terminal) ShowMessage(msg string) {
	fmt.Fprintln(t.out, msg)
}

// readLine prints prompt and reads one line. End of input with nothing
// typed is ErrQuit.
func (t *Terminal) readLine(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(t.out, t.palette.render(t.palette.title, prompt))
	line, err := t.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(t.out)
			return "", dl.ErrQuit
		}
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (t *Terminal) PromptChannel(ctx context.Context) (string, error) {
	for {
		line, err := t.readLine(ctx, channelPrompt)
		if err != nil {
			return "", err
		}
		if strings.EqualFold(line, "exit") {
			return "", dl.ErrQuit
		}
		if line != "" {
			return line, nil
		}
	}
}

func (t *Terminal) Prompt(ctx context.Context) (dl.Command, error) {
	line, err := t.readLine(ctx, selectionPrompt)
	if err != nil {
		return dl.Command{}, err
	}
	return ParseCommand(line)
}

func (t *Terminal) ConfirmWait(ctx context.Context, pending int) bool {
	prompt := fmt.Sprintf("%d download(s) still running. Wait for them to finish? [Y/n]: ", pending)
	for {
		line, err := t.readLine(ctx, prompt)
		if err != nil {
			return false
		}
		switch strings.ToLower(line) {
		case "", "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

// FormatSize renders a declared size, which may be unknown.
func FormatSize(size int64) string {
	if size < 0 {
		return "unknown size"
	}
	return humanize.IBytes(uint64(size))
}

var _ dl.UI = (*Terminal)(nil)
