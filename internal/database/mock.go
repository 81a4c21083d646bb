package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockStore) InsertRoomMessage(ctx context.Context, msg *types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) InsertPrivateMessage(ctx context.Context, msg *types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	args := m.Called(ctx, id)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) UpdateMessageReceipts(ctx context.Context, msg *types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockStore) UpsertUser(ctx context.Context, user types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}
func (m *MockStore) UpdateUserStatus(ctx context.Context, connId string, online bool, lastSeen time.Time) error {
	args := m.Called(ctx, connId, online, lastSeen)
	return args.Error(0)
}
func (m *MockStore) GetRoomMessages(ctx context.Context, room string, limit int) ([]types.Message, error) {
	args := m.Called(ctx, room, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) GetPrivateMessages(ctx context.Context, userA, userB string, limit int) ([]types.Message, error) {
	args := m.Called(ctx, userA, userB, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) GetOnlineUsers(ctx context.Context, room string) ([]types.User, error) {
	args := m.Called(ctx, room)
	if users, ok := args.Get(0).([]types.User); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
