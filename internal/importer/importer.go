// Package importer loads spreadsheet exports (CSV) of users, subscriptions
// and state into the store. Header spellings vary between exports, so
// every sheet goes through an alias table before rows are read.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"kwalert/internal/model"
	"kwalert/internal/storage"
)

// ErrMissingColumn is returned when a sheet lacks a required column.
var ErrMissingColumn = errors.New("missing column")

// Store is the subset of storage the importer writes to.
type Store interface {
	PutUser(ctx context.Context, u *model.User) error
	PutSubscription(ctx context.Context, s *model.Subscription) error
	SetState(ctx context.Context, key, value string) error
}

// Stats counts imported and skipped rows of one sheet.
type Stats struct {
	Imported int
	Skipped  int
}

var userAliases = map[string]string{
	"id":          "id",
	"user_id":     "id",
	"uid":         "id",
	"chat_id":     "chat_id",
	"chatid":      "chat_id",
	"chat":        "chat_id",
	"destination": "chat_id",
	"created_at":  "created_at",
	"created":     "created_at",
}

var subscriptionAliases = map[string]string{
	"id":              "id",
	"sub_id":          "id",
	"subscription_id": "id",
	"user_id":         "user_id",
	"userid":          "user_id",
	"user":            "user_id",
	"owner":           "user_id",
	"keywords":        "keywords",
	"keyword":         "keywords",
	"keyword_spec":    "keywords",
	"kw":              "keywords",
	"channel_name":    "channel_name",
	"channel":         "channel_name",
	"username":        "channel_name",
	"handle":          "channel_name",
	"chat_id":         "chat_id",
	"channel_id":      "chat_id",
	"peer":            "chat_id",
	"status":          "status",
	"active":          "active",
	"is_active":       "active",
	"created_at":      "created_at",
	"created":         "created_at",
}

var stateAliases = map[string]string{
	"key":   "key",
	"name":  "key",
	"value": "value",
	"val":   "value",
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
}

// Importer writes normalized rows into a Store.
type Importer struct {
	store Store
	log   *slog.Logger
}

// New creates an Importer.
func New(store Store, log *slog.Logger) *Importer {
	return &Importer{store: store, log: log}
}

// ImportUsers reads a users sheet and upserts every valid row.
func (im *Importer) ImportUsers(ctx context.Context, r io.Reader) (Stats, error) {
	var st Stats
	err := readSheet(r, userAliases, []string{"id", "chat_id"}, func(line int, row record) error {
		u, err := parseUser(row)
		if err != nil {
			im.skip(&st, "users", line, err)
			return nil
		}
		if err := im.store.PutUser(ctx, &u); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		st.Imported++
		return nil
	})
	return st, err
}

// ImportSubscriptions reads a subscriptions sheet and upserts every valid row.
func (im *Importer) ImportSubscriptions(ctx context.Context, r io.Reader) (Stats, error) {
	var st Stats
	err := readSheet(r, subscriptionAliases, []string{"id", "user_id", "keywords"}, func(line int, row record) error {
		s, err := parseSubscription(row)
		if err != nil {
			im.skip(&st, "subscriptions", line, err)
			return nil
		}
		if err := im.store.PutSubscription(ctx, &s); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		st.Imported++
		return nil
	})
	return st, err
}

// ImportState reads a key/value sheet into the state table.
func (im *Importer) ImportState(ctx context.Context, r io.Reader) (Stats, error) {
	var st Stats
	err := readSheet(r, stateAliases, []string{"key", "value"}, func(line int, row record) error {
		key := row.get("key")
		if key == "" {
			im.skip(&st, "state", line, errors.New("empty key"))
			return nil
		}
		if err := im.store.SetState(ctx, stateKey(key), row.get("value")); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		st.Imported++
		return nil
	})
	return st, err
}

// stateKey folds the handle of a watermark key to lower case, matching
// the keys the scanner reads.
func stateKey(key string) string {
	handle, ok := strings.CutPrefix(key, storage.WatermarkPrefix+"@")
	if !ok {
		return key
	}
	return storage.WatermarkPrefix + "@" + strings.ToLower(handle)
}

func (im *Importer) skip(st *Stats, sheet string, line int, err error) {
	st.Skipped++
	im.log.Warn("skip row", "sheet", sheet, "line", line, "error", err)
}

// record is one CSV row addressed by canonical column name.
type record map[string]string

func (r record) get(col string) string {
	return strings.TrimSpace(r[col])
}

func (r record) has(col string) bool {
	_, ok := r[col]
	return ok
}

// NormalizeHeader maps a raw header cell to its canonical column name,
// or "" when the column is unknown.
func NormalizeHeader(raw string, aliases map[string]string) string {
	h := strings.TrimPrefix(raw, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	return aliases[h]
}

func readSheet(r io.Reader, aliases map[string]string, required []string, fn func(line int, row record) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	cols := make([]string, len(header))
	seen := make(map[string]bool)
	for i, h := range header {
		c := NormalizeHeader(h, aliases)
		if seen[c] {
			// First spelling of a column wins.
			c = ""
		}
		cols[i] = c
		if c != "" {
			seen[c] = true
		}
	}
	for _, c := range required {
		if !seen[c] {
			return fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
	}

	for line := 2; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read line %d: %w", line, err)
		}
		row := make(record, len(cols))
		empty := true
		for i, v := range fields {
			if i >= len(cols) || cols[i] == "" {
				continue
			}
			row[cols[i]] = v
			if strings.TrimSpace(v) != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		if err := fn(line, row); err != nil {
			return err
		}
	}
}

func parseUser(row record) (model.User, error) {
	id, err := parseID(row.get("id"))
	if err != nil {
		return model.User{}, fmt.Errorf("id: %w", err)
	}
	chatID, err := parseInt(row.get("chat_id"))
	if err != nil {
		return model.User{}, fmt.Errorf("chat_id: %w", err)
	}
	return model.User{ID: id, ChatID: chatID, CreatedAt: parseTime(row.get("created_at"))}, nil
}

func parseSubscription(row record) (model.Subscription, error) {
	id, err := parseID(row.get("id"))
	if err != nil {
		return model.Subscription{}, fmt.Errorf("id: %w", err)
	}
	userID, err := parseID(row.get("user_id"))
	if err != nil {
		return model.Subscription{}, fmt.Errorf("user_id: %w", err)
	}
	kw := row.get("keywords")
	if kw == "" {
		return model.Subscription{}, errors.New("empty keyword")
	}
	s := model.Subscription{
		ID:          id,
		UserID:      userID,
		Keyword:     kw,
		ChannelName: strings.TrimPrefix(row.get("channel_name"), "@"),
		ChatID:      strings.TrimSuffix(row.get("chat_id"), ".0"),
		CreatedAt:   parseTime(row.get("created_at")),
	}
	if s.ChannelRef() == "" {
		return model.Subscription{}, errors.New("no channel")
	}
	s.IsActive, err = parseActive(row)
	if err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

// parseActive reads the status column (0 means active) and falls back to
// a boolean active column. Rows with neither are active.
func parseActive(row record) (bool, error) {
	if row.has("status") {
		switch row.get("status") {
		case "", "0", "0.0":
			return true, nil
		default:
			return false, nil
		}
	}
	if row.has("active") {
		switch strings.ToLower(row.get("active")) {
		case "", "1", "true", "yes", "y":
			return true, nil
		case "0", "false", "no", "n":
			return false, nil
		default:
			return false, fmt.Errorf("active: unrecognized value %q", row.get("active"))
		}
	}
	return true, nil
}

func parseID(s string) (int64, error) {
	id, err := parseInt(s)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", id)
	}
	return id, nil
}

// parseInt accepts the "123.0" form spreadsheets emit for whole numbers.
func parseInt(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".0")
	if s == "" {
		return 0, errors.New("empty")
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
