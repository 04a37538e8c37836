package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// IgnoreFileName is the per-user pattern file read from the base directory.
const IgnoreFileName = "ignore"

type ignoreRule struct {
	glob    string
	negate  bool
	hasPath bool
}

// IgnoreMatcher hides media from listings by file name. Matching is case
// insensitive. A rule starting with '!' re-admits names hidden by an
// earlier rule, and the last matching rule decides. Rules containing '/'
// match the whole name; others match its final element.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher builds a matcher from pattern lines. Blank lines, '#'
// comments and malformed globs are skipped.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r := ignoreRule{}
		if strings.HasPrefix(line, "!") {
			r.negate = true
			line = strings.TrimSpace(line[1:])
		}
		r.glob = strings.ToLower(line)
		if r.glob == "" {
			continue
		}
		if _, err := path.Match(r.glob, ""); err != nil {
			continue
		}
		r.hasPath = strings.Contains(r.glob, "/")
		m.rules = append(m.rules, r)
	}
	return m
}

// Len returns the number of usable rules.
func (m *IgnoreMatcher) Len() int {
	return len(m.rules)
}

// Match reports whether name should be hidden.
func (m *IgnoreMatcher) Match(name string) bool {
	if name == "" || len(m.rules) == 0 {
		return false
	}
	full := strings.ToLower(strings.ReplaceAll(name, "\\", "/"))
	base := path.Base(full)

	hidden := false
	for _, r := range m.rules {
		subject := base
		if r.hasPath {
			subject = full
		}
		if ok, _ := path.Match(r.glob, subject); ok {
			hidden = !r.negate
		}
	}
	return hidden
}

// ParseIgnoreFile returns the lines of an ignore file. A missing file
// yields no lines and no error.
func ParseIgnoreFile(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}

// LoadIgnoreMatcher combines configured patterns with the lines of file,
// file rules last so they can override the config.
func LoadIgnoreMatcher(patterns []string, file string) (*IgnoreMatcher, error) {
	all := append([]string(nil), patterns...)
	if file != "" {
		lines, err := ParseIgnoreFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, lines...)
	}
	return NewIgnoreMatcher(all), nil
}
