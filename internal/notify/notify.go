// Package notify renders keyword hits and delivers them through the
// Telegram Bot API with rate limiting and bounded retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// ErrPermanent marks a delivery failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// maxRetryAfter caps how long a server-requested pause is honored.
const maxRetryAfter = 30 * time.Second

// Tag prefixes every notification.
const Tag = "#FOUND"

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Options tunes a Dispatcher.
type Options struct {
	RatePerSec  int
	MaxRetries  int
	BaseBackoff time.Duration
}

// Dispatcher sends hit notifications. It is safe for concurrent use.
type Dispatcher struct {
	api     telegramAPI
	limiter *rate.Limiter
	opts    Options
	log     *slog.Logger
}

// NewDispatcher creates a Dispatcher on top of a Bot API client.
func NewDispatcher(api telegramAPI, opts Options, log *slog.Logger) *Dispatcher {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		opts:    opts,
		log:     log,
	}
}

// FormatHit renders the notification text in Telegram HTML.
func FormatHit(link string, terms []string) string {
	escaped := make([]string, len(terms))
	for i, t := range terms {
		escaped[i] = html.EscapeString(t)
	}
	return fmt.Sprintf("<b>%s</b> %s <b>%s</b>", Tag, html.EscapeString(link), strings.Join(escaped, ", "))
}

// Notify delivers one notification to chatID. terms must already be
// sorted. Rate-limit and server errors are retried with exponential
// backoff; any other API error fails immediately with ErrPermanent.
func (d *Dispatcher) Notify(ctx context.Context, chatID int64, link string, terms []string) error {
	msg := tgbotapi.NewMessage(chatID, FormatHit(link, terms))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	backoff := retry.WithMaxRetries(uint64(d.opts.MaxRetries), retry.NewExponential(d.opts.BaseBackoff))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := d.api.Send(msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !isTransient(err) {
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		d.log.Warn("send notification failed, retrying", "chat_id", chatID, "attempt", attempt, "error", err)
		if wait := retryAfter(err); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("send to %d after %d attempt(s): %w", chatID, attempt, err)
	}
	return nil
}

// isTransient reports whether a send error is worth retrying: Bot API
// rate limiting and 5xx responses, and failures below the API layer
// such as network errors or undecodable gateway error pages.
func isTransient(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return true
}

func retryAfter(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0
	}
	return min(time.Duration(apiErr.RetryAfter)*time.Second, maxRetryAfter)
}

// LogNotifier records hits in the log instead of sending them. It backs
// dry-run scans.
type LogNotifier struct {
	Log *slog.Logger
}

// Notify logs the hit and always succeeds.
func (n LogNotifier) Notify(_ context.Context, chatID int64, link string, terms []string) error {
	n.Log.Info("hit (dry run)", "chat_id", chatID, "link", link, "terms", strings.Join(terms, ", "))
	return nil
}
