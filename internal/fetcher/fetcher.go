// Package fetcher reads channel history through a feed bridge that
// publishes every public channel as an RSS/Atom feed.
package fetcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"kwalert/internal/channel"
	"kwalert/internal/model"
)

// ErrUnsupported is returned for operations the feed bridge cannot serve:
// invite links and channels known only by their numeric address.
var ErrUnsupported = errors.New("not supported by feed source")

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FeedSource serves channel lookups and channel history from a feed
// bridge. urlTemplate must contain a single %s for the channel handle.
type FeedSource struct {
	client      HTTPClient
	urlTemplate string
	log         *slog.Logger
}

// New creates a FeedSource with the given HTTP client.
func New(client HTTPClient, urlTemplate string, log *slog.Logger) *FeedSource {
	return &FeedSource{
		client:      client,
		urlTemplate: urlTemplate,
		log:         log,
	}
}

// Fetch downloads and parses the feed of one channel handle.
func (f *FeedSource) Fetch(ctx context.Context, handle string) (*gofeed.Feed, error) {
	handle = strings.TrimPrefix(handle, "@")
	u := fmt.Sprintf(f.urlTemplate, url.PathEscape(handle))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "KeywordAlertBot/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, handle)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// LookupHandle checks that the bridge publishes a feed for handle.
// Feeds never expose the numeric address, so only the handle is returned.
func (f *FeedSource) LookupHandle(ctx context.Context, handle string) (model.Peer, error) {
	if _, err := f.Fetch(ctx, handle); err != nil {
		return model.Peer{}, err
	}
	return model.Peer{Handle: strings.TrimPrefix(handle, "@")}, nil
}

// JoinHandle is a no-op: public feeds need no membership.
func (f *FeedSource) JoinHandle(context.Context, string) error {
	return nil
}

// ImportInvite always fails with ErrUnsupported.
func (f *FeedSource) ImportInvite(context.Context, string) error {
	return ErrUnsupported
}

// CheckInvite always fails with ErrUnsupported.
func (f *FeedSource) CheckInvite(context.Context, string) (model.Peer, error) {
	return model.Peer{}, ErrUnsupported
}

// Messages yields the channel's messages selected by q in ascending id
// order. Items whose id cannot be derived are skipped. In lookback mode
// items without a publication date are skipped too.
func (f *FeedSource) Messages(ctx context.Context, ch channel.Resolved, q model.MessageQuery) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		if ch.Peer.Handle == "" {
			yield(model.Message{}, fmt.Errorf("read %s: %w", ch.Raw, ErrUnsupported))
			return
		}

		feed, err := f.Fetch(ctx, ch.Peer.Handle)
		if err != nil {
			yield(model.Message{}, fmt.Errorf("read %s: %w", ch.Raw, err))
			return
		}

		for _, msg := range ToMessages(feed.Items, f.log) {
			if q.MinID > 0 && msg.ID <= q.MinID {
				continue
			}
			if q.MinID == 0 && (msg.Date.IsZero() || msg.Date.Before(q.Since)) {
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// ToMessages converts feed items into messages sorted by ascending id,
// dropping items without an id and duplicate ids.
func ToMessages(items []*gofeed.Item, log *slog.Logger) []model.Message {
	msgs := make([]model.Message, 0, len(items))
	for _, item := range items {
		id, ok := ItemID(item)
		if !ok {
			log.Debug("skip feed item without message id", "link", item.Link, "guid", item.GUID)
			continue
		}
		msgs = append(msgs, model.Message{
			ID:       id,
			Text:     ItemText(item),
			FileName: AttachmentName(item),
			Date:     itemDate(item),
		})
	}
	slices.SortStableFunc(msgs, func(a, b model.Message) int { return cmp.Compare(a.ID, b.ID) })
	return slices.CompactFunc(msgs, func(a, b model.Message) bool { return a.ID == b.ID })
}

// ItemID derives the channel message id from the last path segment of the
// item link, falling back to the GUID.
func ItemID(item *gofeed.Item) (int64, bool) {
	for _, raw := range []string{item.Link, item.GUID} {
		if id, ok := lastSegmentID(raw); ok {
			return id, true
		}
	}
	return 0, false
}

func lastSegmentID(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	seg := path.Base(strings.TrimSuffix(p, "/"))
	id, err := strconv.ParseInt(seg, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ItemText returns the plain text of an item: its content, else its
// description, else its title, with markup removed.
func ItemText(item *gofeed.Item) string {
	raw := item.Content
	if strings.TrimSpace(raw) == "" {
		raw = item.Description
	}
	if strings.TrimSpace(raw) == "" {
		raw = item.Title
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(doc.Text())
}

// AttachmentName returns the base name of the first enclosure, if any.
func AttachmentName(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		p := enc.URL
		if u, err := url.Parse(enc.URL); err == nil {
			p = u.Path
		}
		name := path.Base(p)
		if name == "." || name == "/" {
			return ""
		}
		return name
	}
	return ""
}

func itemDate(item *gofeed.Item) time.Time {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}
