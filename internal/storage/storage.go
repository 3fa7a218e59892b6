// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"kwalert/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// WatermarkPrefix prefixes every watermark key in the state table.
const WatermarkPrefix = "last_msg_id:"

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertUser(ctx context.Context, chatID int64) (*model.User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	PutUser(ctx context.Context, u *model.User) error

	CreateSubscription(ctx context.Context, s *model.Subscription) error
	PutSubscription(ctx context.Context, s *model.Subscription) error
	HasSubscription(ctx context.Context, s model.Subscription) (bool, error)
	ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
	ListUserSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error)
	DeactivateByKeyword(ctx context.Context, userID int64, keyword, channelName string) (int, error)
	DeactivateByIDs(ctx context.Context, userID int64, ids []int64) (int, error)
	DeactivateAll(ctx context.Context, userID int64) (int, error)

	GetState(ctx context.Context, key, def string) (string, error)
	SetState(ctx context.Context, key, value string) error
	Watermark(ctx context.Context, channelKey string) (int64, error)
	SetWatermark(ctx context.Context, channelKey string, id int64) error

	Close() error
}
