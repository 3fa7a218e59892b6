package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"kwalert/internal/model"
	"kwalert/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

const (
	statusActive   = 0
	statusInactive = 1
)

const subscriptionColumns = `id, user_id, keywords, channel_name, chat_id, status, created_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers from concurrent channel
	// scans and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertUser returns the user registered for chatID, creating it if needed.
func (s *SQLite) UpsertUser(ctx context.Context, chatID int64) (*model.User, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (chat_id, created_at) VALUES (?, ?) ON CONFLICT(chat_id) DO NOTHING`,
		chatID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUserByChatID(ctx, chatID)
}

// GetUserByChatID returns the user registered for chatID.
func (s *SQLite) GetUserByChatID(ctx context.Context, chatID int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, created_at FROM users WHERE chat_id = ?`, chatID,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all registered users.
func (s *SQLite) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PutUser inserts or replaces a user keeping its ID. Used by imports.
func (s *SQLite) PutUser(ctx context.Context, u *model.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, chat_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET chat_id = excluded.chat_id`,
		u.ID, u.ChatID, created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put user %d: %w", u.ID, err)
	}
	return nil
}

// CreateSubscription inserts a new active subscription and populates its
// ID and CreatedAt.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, keywords, channel_name, chat_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.Keyword, sub.ChannelName, sub.ChatID, statusActive, now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.IsActive = true
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// PutSubscription inserts or replaces a subscription keeping its ID.
func (s *SQLite) PutSubscription(ctx context.Context, sub *model.Subscription) error {
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, keywords, channel_name, chat_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id = excluded.user_id, keywords = excluded.keywords,
		   channel_name = excluded.channel_name, chat_id = excluded.chat_id, status = excluded.status`,
		sub.ID, sub.UserID, sub.Keyword, sub.ChannelName, sub.ChatID, statusOf(sub.IsActive),
		created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put subscription %d: %w", sub.ID, err)
	}
	return nil
}

// HasSubscription reports whether an identical active subscription exists.
func (s *SQLite) HasSubscription(ctx context.Context, sub model.Subscription) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions
		 WHERE status = ? AND user_id = ? AND keywords = ? AND channel_name = ? AND chat_id = ?`,
		statusActive, sub.UserID, sub.Keyword, sub.ChannelName, sub.ChatID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return count > 0, nil
}

// ListActiveSubscriptions returns every active subscription.
func (s *SQLite) ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ? ORDER BY id`, statusActive)
}

// ListUserSubscriptions returns the active subscriptions of one user.
func (s *SQLite) ListUserSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ? AND user_id = ? ORDER BY id`,
		statusActive, userID)
}

// DeactivateByKeyword deactivates the user's active subscriptions with
// the given keyword. When channel is not empty only subscriptions on that
// channel (by name or chat id) are affected.
func (s *SQLite) DeactivateByKeyword(ctx context.Context, userID int64, keyword, channel string) (int, error) {
	query := `UPDATE subscriptions SET status = ? WHERE status = ? AND user_id = ? AND keywords = ?`
	args := []any{statusInactive, statusActive, userID, keyword}
	if channel != "" {
		query += ` AND (channel_name = ? OR chat_id = ?)`
		args = append(args, channel, channel)
	}
	return s.exec(ctx, "deactivate by keyword", query, args...)
}

// DeactivateByIDs deactivates the user's active subscriptions with the
// given IDs. IDs owned by other users are ignored.
func (s *SQLite) DeactivateByIDs(ctx context.Context, userID int64, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{statusInactive, statusActive, userID}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.exec(ctx, "deactivate by ids",
		`UPDATE subscriptions SET status = ? WHERE status = ? AND user_id = ? AND id IN (`+placeholders+`)`,
		args...)
}

// DeactivateAll deactivates every active subscription of the user.
func (s *SQLite) DeactivateAll(ctx context.Context, userID int64) (int, error) {
	return s.exec(ctx, "deactivate all",
		`UPDATE subscriptions SET status = ? WHERE status = ? AND user_id = ?`,
		statusInactive, statusActive, userID)
}

// GetState returns the value stored under key, or def when absent.
func (s *SQLite) GetState(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState stores value under key.
func (s *SQLite) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// Watermark returns the last processed message id of a channel, 0 when
// the channel was never scanned.
func (s *SQLite) Watermark(ctx context.Context, channelKey string) (int64, error) {
	raw, err := s.GetState(ctx, WatermarkPrefix+channelKey, "0")
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse watermark %s=%q: %w", channelKey, raw, err)
	}
	return id, nil
}

// SetWatermark records id as the channel's watermark unless a greater one
// is already stored.
func (s *SQLite) SetWatermark(ctx context.Context, channelKey string, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value
		 WHERE CAST(state.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		WatermarkPrefix+channelKey, strconv.FormatInt(id, 10),
	)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", channelKey, err)
	}
	return nil
}

func (s *SQLite) exec(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return int(n), nil
}

func (s *SQLite) querySubscriptions(ctx context.Context, query string, args ...any) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func statusOf(active bool) int {
	if active {
		return statusActive
	}
	return statusInactive
}

type scannable interface {
	Scan(dest ...any) error
}

func scanUser(row scannable) (model.User, error) {
	var u model.User
	var created string
	if err := row.Scan(&u.ID, &u.ChatID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return u, nil
}

func scanSubscription(row scannable) (model.Subscription, error) {
	var sub model.Subscription
	var status int
	var created string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Keyword, &sub.ChannelName, &sub.ChatID, &status, &created)
	if err != nil {
		return sub, fmt.Errorf("scan subscription: %w", err)
	}
	sub.IsActive = status == statusActive
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return sub, nil
}
