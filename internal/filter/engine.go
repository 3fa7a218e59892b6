// Package filter compiles subscription keyword specs into matchers.
//
// A spec is either a plain keyword, matched as a case-insensitive
// substring, or a regex in the /pattern/flags form. Supported flags are
// i (ignore case) and g (report every match instead of the first one);
// other trailing letters are accepted and ignored.
package filter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// ErrInvalidPattern is returned when a keyword spec cannot be compiled.
var ErrInvalidPattern = errors.New("invalid pattern")

// matchTimeout bounds a single regex evaluation against one message.
const matchTimeout = time.Second

// Kind tells plain keywords and regex specs apart.
type Kind string

// Supported matcher kinds.
const (
	KindPlain Kind = "plain"
	KindRegex Kind = "regex"
)

// Flags holds the parsed trailing flags of a regex spec.
type Flags struct {
	IgnoreCase bool
	Global     bool
	// Ignored collects flag letters that have no meaning.
	Ignored string
}

// Matcher is the executable form of a keyword spec.
type Matcher struct {
	Kind    Kind
	Pattern string
	Flags   Flags
	// Display is the spec exactly as the user wrote it.
	Display string

	re     *regexp2.Regexp
	broken bool
}

// IsRegexSpec reports whether spec uses the /pattern/flags form.
func IsRegexSpec(spec string) bool {
	_, _, ok := SplitRegexSpec(spec)
	return ok
}

// SplitRegexSpec splits a /pattern/flags spec at its last slash.
// ok is false when spec is not a regex spec.
func SplitRegexSpec(spec string) (pattern, flags string, ok bool) {
	if !strings.HasPrefix(spec, "/") || strings.ContainsAny(spec, "\r\n") {
		return "", "", false
	}
	last := strings.LastIndex(spec, "/")
	if last == 0 {
		return "", "", false
	}
	flags = spec[last+1:]
	for _, r := range flags {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return "", "", false
		}
	}
	return spec[1:last], flags, true
}

// Compile turns a keyword spec into a Matcher.
//
// On failure the returned Matcher is still usable and never matches, so
// callers can log the error and keep going.
func Compile(spec string) (Matcher, error) {
	pattern, rawFlags, ok := SplitRegexSpec(spec)
	if !ok {
		m := Matcher{Kind: KindPlain, Pattern: strings.ToLower(spec), Display: spec}
		if strings.TrimSpace(spec) == "" {
			m.broken = true
			return m, fmt.Errorf("%w: empty keyword", ErrInvalidPattern)
		}
		return m, nil
	}

	m := Matcher{Kind: KindRegex, Pattern: pattern, Flags: parseFlags(rawFlags), Display: spec}

	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	if m.Flags.IgnoreCase {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		m.broken = true
		return m, fmt.Errorf("%w: %s: %v", ErrInvalidPattern, spec, err)
	}
	re.MatchTimeout = matchTimeout
	m.re = re
	return m, nil
}

// Validate checks whether spec compiles.
func Validate(spec string) error {
	_, err := Compile(spec)
	return err
}

func parseFlags(raw string) Flags {
	var f Flags
	var ignored strings.Builder
	for _, r := range raw {
		switch r {
		case 'i':
			f.IgnoreCase = true
		case 'g':
			f.Global = true
		default:
			ignored.WriteRune(r)
		}
	}
	f.Ignored = ignored.String()
	return f
}

// Broken reports whether the matcher failed to compile and never matches.
func (m Matcher) Broken() bool {
	return m.broken
}

// Match returns the matched terms found in text, or nil if there are none.
//
// A plain keyword yields its display form. A regex yields the matched
// substrings: only the first one unless the g flag is set, in which case
// every distinct match is returned in order of first appearance. When the
// pattern has capture groups, global matches are reported as the
// concatenation of their groups.
func (m Matcher) Match(text string) []string {
	if m.broken {
		return nil
	}
	if m.Kind == KindPlain {
		if strings.Contains(strings.ToLower(text), m.Pattern) {
			return []string{m.Display}
		}
		return nil
	}
	if m.re == nil {
		return nil
	}

	match, err := m.re.FindStringMatch(text)
	if err != nil || match == nil {
		return nil
	}
	if !m.Flags.Global {
		if s := match.String(); s != "" {
			return []string{s}
		}
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	for match != nil {
		s := flatten(match)
		if _, dup := seen[s]; s != "" && !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
		match, err = m.re.FindNextMatch(match)
		if err != nil {
			break
		}
	}
	return out
}

func flatten(match *regexp2.Match) string {
	groups := match.Groups()
	if len(groups) <= 1 {
		return match.String()
	}
	var b strings.Builder
	for _, g := range groups[1:] {
		b.WriteString(g.String())
	}
	return b.String()
}
