package ui

import (
	"fmt"
	"strconv"
	"strings"

	"chandl/internal/dl"
)

// maxRange caps how many ids a single "a-b" range may expand to.
const maxRange = 10000

// ParseCommand turns a line typed at the selection prompt into a command.
// Anything that is not a keyword is read as a list of message ids.
func ParseCommand(line string) (dl.Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return dl.Command{}, &dl.SelectionError{Reason: "nothing entered"}
	}

	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "q", "quit", "exit":
		return dl.Command{Kind: dl.CommandQuit}, nil
	case "a", "all":
		return dl.Command{Kind: dl.CommandSelectAll}, nil
	case "r", "refresh", "l", "list":
		return dl.Command{Kind: dl.CommandRefresh}, nil
	case "s", "status":
		return dl.Command{Kind: dl.CommandStatus}, nil
	case "c", "channel", "switch":
		return dl.Command{Kind: dl.CommandSwitch, Channel: strings.TrimSpace(rest)}, nil
	}

	ids, err := ParseIDs(line)
	if err != nil {
		return dl.Command{}, err
	}
	return dl.Command{Kind: dl.CommandSelect, IDs: ids}, nil
}

// ParseIDs reads message ids separated by commas or spaces. "5-8" expands
// to 5, 6, 7 and 8. Order is kept and duplicates are dropped.
func ParseIDs(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, &dl.SelectionError{Input: s, Reason: "no ids given"}
	}

	var ids []int64
	seen := make(map[int64]bool)
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, field := range fields {
		lo, hi, isRange := strings.Cut(field, "-")
		if !isRange {
			id, err := parseID(field)
			if err != nil {
				return nil, err
			}
			add(id)
			continue
		}

		start, err := parseID(lo)
		if err != nil {
			return nil, err
		}
		end, err := parseID(hi)
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, &dl.SelectionError{Input: field, Reason: "range start is after its end"}
		}
		if end-start >= maxRange {
			return nil, &dl.SelectionError{Input: field, Reason: fmt.Sprintf("range covers more than %d ids", maxRange)}
		}
		for id := start; id <= end; id++ {
			add(id)
		}
	}
	return ids, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, &dl.SelectionError{Input: s, Reason: "not a message id"}
	}
	return id, nil
}
