package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dhcgn/mailsplit/header"
	"github.com/dhcgn/mailsplit/model"
)

// Options captures the filtering configuration.
type Options struct {
	// Before keeps only messages dated strictly earlier. Zero disables the check.
	Before        time.Time
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// patternSet is a list of regular expressions per message part. It matches
// when any expression matches its part.
type patternSet struct {
	header []*regexp.Regexp
	body   []*regexp.Regexp
}

func newPatternSet(kind string, headerPatterns, bodyPatterns []string) (patternSet, error) {
	var (
		set patternSet
		err error
	)
	if set.header, err = compilePatterns(headerPatterns); err != nil {
		return patternSet{}, fmt.Errorf("%s-header pattern: %w", kind, err)
	}
	if set.body, err = compilePatterns(bodyPatterns); err != nil {
		return patternSet{}, fmt.Errorf("%s-body pattern: %w", kind, err)
	}
	return set, nil
}

func (s patternSet) empty() bool {
	return len(s.header) == 0 && len(s.body) == 0
}

func (s patternSet) match(head, body []byte) bool {
	for _, re := range s.header {
		if re.Match(head) {
			return true
		}
	}
	for _, re := range s.body {
		if re.Match(body) {
			return true
		}
	}
	return false
}

// Filter selects messages by cutoff date and by include or exclude patterns.
type Filter struct {
	before  time.Time
	include patternSet
	exclude patternSet
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := newPatternSet("include", opts.IncludeHeader, opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	exclude, err := newPatternSet("exclude", opts.ExcludeHeader, opts.ExcludeBody)
	if err != nil {
		return nil, err
	}
	if !include.empty() && !exclude.empty() {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		before:  opts.Before.UTC(),
		include: include,
		exclude: exclude,
	}, nil
}

// Active reports whether the filter can reject any message.
func (f *Filter) Active() bool {
	return !f.before.IsZero() || !f.include.empty() || !f.exclude.empty()
}

// Accept returns true if msg passes the cutoff date and the pattern lists.
// A message whose date cannot be parsed passes the cutoff check so that the
// caller reports it when extracting the date itself.
func (f *Filter) Accept(msg model.Message) bool {
	if !f.before.IsZero() {
		if ts, err := header.Date(msg.Header); err == nil && !ts.Before(f.before) {
			return false
		}
	}
	if f.include.empty() && f.exclude.empty() {
		return true
	}
	return f.Allows(model.SplitRaw(msg.Raw))
}

// Allows returns true if the raw header and body pass the pattern lists.
// With include patterns a message must match one of them; with exclude
// patterns it must match none.
func (f *Filter) Allows(head, body []byte) bool {
	switch {
	case !f.include.empty():
		return f.include.match(head, body)
	case !f.exclude.empty():
		return !f.exclude.match(head, body)
	default:
		return true
	}
}

// ParseCutoff parses a YYYY-MM-DD date as midnight UTC.
func ParseCutoff(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t.UTC(), nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var compiled []*regexp.Regexp
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
