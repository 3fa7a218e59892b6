package bot

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var commaSpacing = regexp.MustCompile(`\s*,\s*`)

// SplitList splits a comma separated list, accepting the full-width
// comma too, and drops empty items.
func SplitList(s string) []string {
	s = strings.ReplaceAll(s, "，", ",")
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// normalizeArgs collapses whitespace runs and the spacing around commas
// so lists survive "a, b" style input.
func normalizeArgs(args string) string {
	args = strings.ReplaceAll(args, "，", ",")
	args = strings.Join(strings.Fields(args), " ")
	return commaSpacing.ReplaceAllString(args, ",")
}

// ParseSubscribeArgs parses "kw1,kw2 ch1,ch2".
func ParseSubscribeArgs(args string) (keywords, channels []string, err error) {
	first, rest, ok := strings.Cut(normalizeArgs(args), " ")
	if !ok {
		return nil, nil, errors.New("usage: /subscribe kw1,kw2 channel1,channel2")
	}
	keywords = SplitList(first)
	channels = SplitList(rest)
	if len(keywords) == 0 || len(channels) == 0 {
		return nil, nil, errors.New("usage: /subscribe kw1,kw2 channel1,channel2")
	}
	return keywords, channels, nil
}

// ParseUnsubscribeArgs parses "kw [channel]".
func ParseUnsubscribeArgs(args string) (keyword, channel string, err error) {
	parts := strings.Split(normalizeArgs(args), " ")
	if parts[0] == "" {
		return "", "", errors.New("usage: /unsubscribe kw [channel]")
	}
	if len(parts) > 1 {
		channel = parts[1]
	}
	return parts[0], channel, nil
}

// ParseIDList parses "10,22" into subscription IDs. Items that are not
// numbers are skipped; at least one valid ID is required.
func ParseIDList(args string) ([]int64, error) {
	var ids []int64
	for _, item := range SplitList(strings.ReplaceAll(args, " ", ",")) {
		id, err := strconv.ParseInt(strings.TrimPrefix(item, "#"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no subscription IDs in %q", args)
	}
	return ids, nil
}
