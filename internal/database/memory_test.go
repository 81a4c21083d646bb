package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoomMessage(id, room string, at time.Time) *types.Message {
	return &types.Message{
		Id:           id,
		Room:         room,
		Username:     "alice",
		SenderConnId: "c1",
		Body:         "hi " + id,
		CreatedAt:    at,
		Status:       types.StatusSent,
	}
}

func TestMemoryStoreInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now()

	msg := newRoomMessage("m1", "lobby", now)
	require.NoError(t, s.InsertRoomMessage(ctx, msg))

	t.Run("returns a copy", func(t *testing.T) {
		got, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "hi m1", got.Body)
		assert.Equal(t, "c1", got.SenderConnId)

		got.DeliveredTo = append(got.DeliveredTo, types.Receipt{ConnId: "c2"})
		again, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, again.DeliveredTo)
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := s.InsertRoomMessage(ctx, newRoomMessage("m1", "lobby", now))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.GetMessage(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStoreRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	start := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertRoomMessage(ctx, newRoomMessage(fmt.Sprintf("m%d", i), "lobby", start.Add(time.Duration(i)*time.Second))))
	}

	msgs, err := s.GetRoomMessages(ctx, "lobby", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Id)
	assert.Equal(t, "m4", msgs[2].Id)

	_, err = s.GetMessage(ctx, "m0")
	assert.ErrorIs(t, err, ErrNotFound, "evicted messages should be gone")
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	start := time.Now()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertRoomMessage(ctx, newRoomMessage(fmt.Sprintf("m%d", i), "lobby", start.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.InsertRoomMessage(ctx, newRoomMessage("other", "dev", start)))

	msgs, err := s.GetRoomMessages(ctx, "lobby", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].Id)
	assert.Equal(t, "m3", msgs[1].Id)

	msgs, err = s.GetRoomMessages(ctx, "empty", 2)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestMemoryStorePrivateMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now()

	require.NoError(t, s.InsertPrivateMessage(ctx, &types.Message{Id: "p1", Private: true, Username: "alice", To: "bob", Body: "hey", CreatedAt: now}))
	require.NoError(t, s.InsertPrivateMessage(ctx, &types.Message{Id: "p2", Private: true, Username: "bob", To: "alice", Body: "yo", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.InsertPrivateMessage(ctx, &types.Message{Id: "p3", Private: true, Username: "alice", To: "carol", Body: "hm", CreatedAt: now}))

	msgs, err := s.GetPrivateMessages(ctx, "bob", "alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "p1", msgs[0].Id)
	assert.Equal(t, "p2", msgs[1].Id)
}

func TestMemoryStoreUpdateMessageReceipts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	require.NoError(t, s.InsertRoomMessage(ctx, newRoomMessage("m1", "lobby", time.Now())))

	msg, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	msg.Status = types.StatusDelivered
	msg.Body = "changed"
	msg.DeliveredTo = []types.Receipt{{ConnId: "c2", Username: "bob", Timestamp: time.Now()}}
	require.NoError(t, s.UpdateMessageReceipts(ctx, msg))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelivered, got.Status)
	assert.Equal(t, "hi m1", got.Body, "only receipts and status are updated")
	require.Len(t, got.DeliveredTo, 1)
	assert.Equal(t, "c2", got.DeliveredTo[0].ConnId)

	err = s.UpdateMessageReceipts(ctx, &types.Message{Id: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now()

	require.NoError(t, s.UpsertUser(ctx, types.User{ConnId: "c1", Username: "alice", Room: "lobby", Online: true, JoinedAt: now}))
	require.NoError(t, s.UpsertUser(ctx, types.User{ConnId: "c2", Username: "bob", Room: "lobby", Online: true, JoinedAt: now.Add(time.Second)}))
	require.NoError(t, s.UpsertUser(ctx, types.User{ConnId: "c3", Username: "carol", Room: "dev", Online: true, JoinedAt: now}))

	users, err := s.GetOnlineUsers(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[0].Username)
	assert.Equal(t, "alice", users[1].Username)

	require.NoError(t, s.UpdateUserStatus(ctx, "c2", false, now))
	users, err = s.GetOnlineUsers(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)

	err = s.UpdateUserStatus(ctx, "c2", false, now)
	assert.ErrorIs(t, err, ErrNotFound)
}
