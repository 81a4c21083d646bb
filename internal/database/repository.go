package database

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

const defaultHistoryLimit = 50

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate id")
)

// Store is the persistence capability the chat core consumes. History
// queries return the newest limit messages ordered oldest first.
type Store interface {
	Ping(ctx context.Context) error
	InsertRoomMessage(ctx context.Context, msg *types.Message) error
	InsertPrivateMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	UpdateMessageReceipts(ctx context.Context, msg *types.Message) error
	UpsertUser(ctx context.Context, user types.User) error
	UpdateUserStatus(ctx context.Context, connId string, online bool, lastSeen time.Time) error
	GetRoomMessages(ctx context.Context, room string, limit int) ([]types.Message, error)
	GetPrivateMessages(ctx context.Context, userA, userB string, limit int) ([]types.Message, error)
	GetOnlineUsers(ctx context.Context, room string) ([]types.User, error)
	Close() error
}

// isDomainError reports errors that describe the data rather than the
// health of the backing store.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

// pairKey identifies a private conversation regardless of direction.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
