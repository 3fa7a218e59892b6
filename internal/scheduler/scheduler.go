// Package scheduler groups active subscriptions by channel and runs one
// channel scan per group under a concurrency limit, either once or on a
// fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kwalert/internal/channel"
	"kwalert/internal/filter"
	"kwalert/internal/model"
	"kwalert/internal/scanner"
)

// DefaultMaxConcurrency bounds parallel channel scans when Options leaves it zero.
const DefaultMaxConcurrency = 4

// Store lists the users and subscriptions a run works on.
type Store interface {
	ListUsers(ctx context.Context) ([]model.User, error)
	ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// Resolver turns a channel identifier into a peer.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) channel.Resolved
}

// ChannelScanner scans one channel against its rules.
type ChannelScanner interface {
	Scan(ctx context.Context, ch channel.Resolved, rules []scanner.Rule) (scanner.Result, error)
}

// Options tunes a Scheduler.
type Options struct {
	Interval       time.Duration
	MaxConcurrency int
}

// Report summarizes one run.
type Report struct {
	Channels       int
	Failed         int
	Capped         int
	Processed      int
	Notified       int
	Dropped        int
	SkippedSubs    int
	InvalidRules   int
	FailedChannels []string
}

// Group is the set of rules that share one channel.
type Group struct {
	Key   string
	Rules []scanner.Rule
}

// Scheduler runs scan passes over all active subscriptions.
type Scheduler struct {
	store    Store
	resolver Resolver
	scanner  ChannelScanner
	log      *slog.Logger
	opts     Options
}

// New creates a Scheduler.
func New(store Store, resolver Resolver, sc ChannelScanner, opts Options, log *slog.Logger) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Scheduler{
		store:    store,
		resolver: resolver,
		scanner:  sc,
		log:      log,
		opts:     opts,
	}
}

// Run starts the scan loop, blocking until ctx is cancelled. The first
// pass starts immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.runLogged(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("scan run", "error", err)
	}
}

// RunOnce performs a single pass over every channel group and waits for
// all of them. A failing channel is logged and counted; only failing to
// load users or subscriptions aborts the run.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list users: %w", err)
	}
	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list subscriptions: %w", err)
	}

	groups, report := s.BuildGroups(users, subs)
	targets := s.mergeResolved(groups, s.resolveGroups(ctx, groups))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.MaxConcurrency)

	for _, t := range targets {
		g.Go(func() error {
			res, err := s.scanTarget(ctx, t)

			mu.Lock()
			defer mu.Unlock()
			report.Channels++
			report.Processed += res.Processed
			report.Notified += res.Notified
			report.Dropped += res.Dropped
			if res.Capped {
				report.Capped++
			}
			if err != nil {
				report.Failed++
				report.FailedChannels = append(report.FailedChannels, t.Key)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(report.FailedChannels)
	s.log.Info("scan run finished",
		"channels", report.Channels,
		"failed", report.Failed,
		"capped", report.Capped,
		"processed", report.Processed,
		"notified", report.Notified,
		"dropped", report.Dropped,
		"skipped_subscriptions", report.SkippedSubs,
		"invalid_rules", report.InvalidRules,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return report, nil
}

// target is a resolved channel with the rules of every group that
// resolved to it.
type target struct {
	Key     string
	Channel channel.Resolved
	Rules   []scanner.Rule
}

// resolveGroups resolves every group under the concurrency limit. The
// result is indexed like groups.
func (s *Scheduler) resolveGroups(ctx context.Context, groups []Group) []channel.Resolved {
	resolved := make([]channel.Resolved, len(groups))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrency)
	for i, grp := range groups {
		g.Go(func() error {
			resolved[i] = s.resolver.Resolve(ctx, grp.Key)
			return nil
		})
	}
	_ = g.Wait()
	return resolved
}

// mergeResolved folds groups that resolved to the same watermark key into
// one target, so a channel named two ways is scanned once per run.
func (s *Scheduler) mergeResolved(groups []Group, resolved []channel.Resolved) []target {
	targets := make([]target, 0, len(groups))
	byKey := make(map[string]int, len(groups))
	for i, grp := range groups {
		ch := resolved[i]
		if j, ok := byKey[ch.Key()]; ok {
			s.log.Debug("merging channel groups",
				"channel", grp.Key, "into", targets[j].Key, "channel_key", ch.Key())
			targets[j].Rules = append(targets[j].Rules, grp.Rules...)
			continue
		}
		byKey[ch.Key()] = len(targets)
		targets = append(targets, target{Key: grp.Key, Channel: ch, Rules: slices.Clone(grp.Rules)})
	}
	return targets
}

func (s *Scheduler) scanTarget(ctx context.Context, t target) (scanner.Result, error) {
	res, err := s.scanner.Scan(ctx, t.Channel, t.Rules)
	if err != nil {
		s.log.Error("scan channel", "channel", t.Key, "processed", res.Processed, "error", err)
		return res, err
	}
	s.log.Debug("scanned channel",
		"channel", t.Key,
		"channel_key", res.Key,
		"processed", res.Processed,
		"notified", res.Notified,
		"watermark", res.Watermark,
	)
	return res, nil
}

// BuildGroups compiles subscriptions into rules grouped by normalized
// channel key, in key order. Subscriptions without a known user or a
// channel reference are skipped. Invalid keywords are logged and kept as
// rules that never match.
func (s *Scheduler) BuildGroups(users []model.User, subs []model.Subscription) ([]Group, Report) {
	var report Report

	chats := make(map[int64]int64, len(users))
	for _, u := range users {
		chats[u.ID] = u.ChatID
	}

	byKey := make(map[string][]scanner.Rule)
	for _, sub := range subs {
		chatID, ok := chats[sub.UserID]
		if !ok {
			s.log.Debug("skip subscription without user", "subscription_id", sub.ID, "user_id", sub.UserID)
			report.SkippedSubs++
			continue
		}
		key := channel.NormalizeKey(sub.ChannelRef())
		if key == "" {
			s.log.Debug("skip subscription without channel", "subscription_id", sub.ID)
			report.SkippedSubs++
			continue
		}

		m, err := filter.Compile(sub.Keyword)
		if err != nil {
			s.log.Warn("invalid keyword, subscription will never match",
				"subscription_id", sub.ID, "keyword", sub.Keyword, "error", err)
			report.InvalidRules++
		} else if m.Flags.Ignored != "" {
			s.log.Debug("ignoring unknown regex flags", "subscription_id", sub.ID, "flags", m.Flags.Ignored)
		}

		byKey[key] = append(byKey[key], scanner.Rule{
			SubscriptionID: sub.ID,
			ChatID:         chatID,
			Matcher:        m,
		})
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	groups := make([]Group, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, Group{Key: k, Rules: byKey[k]})
	}
	return groups, report
}
