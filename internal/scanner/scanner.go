// Package scanner reads new messages of one channel, matches them against
// keyword rules and dispatches one aggregated notification per recipient
// and message.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"kwalert/internal/channel"
	"kwalert/internal/filter"
	"kwalert/internal/model"
)

// ErrStore marks a watermark read or write failure.
var ErrStore = errors.New("checkpoint store")

// Defaults used when Options leaves a field zero.
const (
	DefaultLookback    = 24 * time.Hour
	DefaultMaxMessages = 1000
	DefaultLinkHost    = "t.me"
)

// Source yields the messages of a channel in ascending id order.
type Source interface {
	Messages(ctx context.Context, ch channel.Resolved, q model.MessageQuery) iter.Seq2[model.Message, error]
}

// CheckpointStore persists the per-channel watermark.
type CheckpointStore interface {
	Watermark(ctx context.Context, key string) (int64, error)
	SetWatermark(ctx context.Context, key string, id int64) error
}

// Notifier delivers one notification about one message.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, link string, terms []string) error
}

// Rule is a compiled subscription bound to the chat it notifies.
type Rule struct {
	SubscriptionID int64
	ChatID         int64
	Matcher        filter.Matcher
}

// Options tunes a Scanner.
type Options struct {
	Lookback    time.Duration
	MaxMessages int
	LinkHost    string
}

// Result summarizes one channel scan.
type Result struct {
	Key       string
	Processed int
	Notified  int
	Dropped   int
	Capped    bool
	Watermark int64
}

// Scanner scans channels one at a time. It is safe for concurrent use
// as long as no two scans share a channel key.
type Scanner struct {
	source      Source
	checkpoints CheckpointStore
	notifier    Notifier
	log         *slog.Logger
	opts        Options
	now         func() time.Time
}

// New creates a Scanner.
func New(src Source, checkpoints CheckpointStore, notifier Notifier, opts Options, log *slog.Logger) *Scanner {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.LinkHost == "" {
		opts.LinkHost = DefaultLinkHost
	}
	return &Scanner{
		source:      src,
		checkpoints: checkpoints,
		notifier:    notifier,
		log:         log,
		opts:        opts,
		now:         time.Now,
	}
}

// Scan processes the messages of ch published after its watermark, or
// within the lookback window when the channel was never scanned.
//
// The watermark only moves forward and only past messages whose
// notifications were attempted. Progress made before a source error or
// cancellation is still recorded.
func (s *Scanner) Scan(ctx context.Context, ch channel.Resolved, rules []Rule) (Result, error) {
	key := ch.Key()
	res := Result{Key: key}
	log := s.log.With("channel", ch.Raw, "channel_key", key)

	last, err := s.checkpoints.Watermark(ctx, key)
	if err != nil {
		return res, fmt.Errorf("%w: read watermark %s: %w", ErrStore, key, err)
	}
	res.Watermark = last

	q := model.MessageQuery{MinID: last}
	if last <= 0 {
		q = model.MessageQuery{Since: s.now().Add(-s.opts.Lookback)}
	}
	log.Debug("scanning channel", "watermark", last, "since", q.Since)

	maxSeen := last
	var iterErr error
	for msg, err := range s.source.Messages(ctx, ch, q) {
		if err != nil {
			iterErr = err
			break
		}
		if err := ctx.Err(); err != nil {
			iterErr = err
			break
		}
		if msg.ID <= last {
			continue
		}

		notified, dropped := s.process(ctx, log, ch, msg, rules)
		res.Notified += notified
		res.Dropped += dropped
		res.Processed++
		maxSeen = max(maxSeen, msg.ID)

		if res.Processed >= s.opts.MaxMessages {
			res.Capped = true
			log.Info("message cap reached", "max_messages", s.opts.MaxMessages, "last_id", maxSeen)
			break
		}
	}

	if maxSeen > last {
		if err := s.checkpoints.SetWatermark(context.WithoutCancel(ctx), key, maxSeen); err != nil {
			return res, fmt.Errorf("%w: write watermark %s: %w", ErrStore, key, err)
		}
		res.Watermark = maxSeen
	}

	if iterErr != nil {
		return res, fmt.Errorf("iterate messages %s: %w", key, iterErr)
	}
	return res, nil
}

// process matches one message and notifies every chat with at least one
// hit, once, with all of its matched terms.
func (s *Scanner) process(ctx context.Context, log *slog.Logger, ch channel.Resolved, msg model.Message, rules []Rule) (notified, dropped int) {
	text := msg.SearchText()
	hits := make(map[int64]map[string]struct{})
	for _, r := range rules {
		terms := r.Matcher.Match(text)
		if len(terms) == 0 {
			continue
		}
		set := hits[r.ChatID]
		if set == nil {
			set = make(map[string]struct{})
			hits[r.ChatID] = set
		}
		for _, t := range terms {
			set[t] = struct{}{}
		}
	}
	if len(hits) == 0 {
		return 0, 0
	}

	link := channel.Link(s.opts.LinkHost, ch.Peer, msg.ID)
	chats := make([]int64, 0, len(hits))
	for chatID := range hits {
		chats = append(chats, chatID)
	}
	slices.Sort(chats)

	for _, chatID := range chats {
		terms := make([]string, 0, len(hits[chatID]))
		for t := range hits[chatID] {
			terms = append(terms, t)
		}
		slices.Sort(terms)

		if err := s.notifier.Notify(ctx, chatID, link, terms); err != nil {
			log.Error("notify", "chat_id", chatID, "message_id", msg.ID, "error", err)
			dropped++
			continue
		}
		notified++
	}
	return notified, dropped
}
