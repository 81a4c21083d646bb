package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "chatrelay:"
	redisMessageTTL = 7 * 24 * time.Hour
	redisRetention  = 1000
)

// RedisStore keeps every message as a JSON string with a TTL and indexes
// rooms and conversations with capped lists of ids.
type RedisStore struct {
	client    *redis.Client
	retention int64
}

func NewRedisStore(addr string) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr: addr,
	}))
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, retention: redisRetention}
}

func messageKey(id string) string {
	return redisKeyPrefix + "msg:" + id
}

func roomMessagesKey(room string) string {
	return redisKeyPrefix + "room:" + room + ":messages"
}

func pairMessagesKey(a, b string) string {
	return redisKeyPrefix + "pm:" + pairKey(a, b) + ":messages"
}

func userKey(connId string) string {
	return redisKeyPrefix + "user:" + connId
}

func roomOnlineKey(room string) string {
	return redisKeyPrefix + "room:" + room + ":online"
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) insert(ctx context.Context, msg *types.Message, listKey string) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, messageKey(msg.Id), raw, redisMessageTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey, msg.Id)
		pipe.LTrim(ctx, listKey, -s.retention, -1)
		return nil
	})
	return err
}

func (s *RedisStore) InsertRoomMessage(ctx context.Context, msg *types.Message) error {
	return s.insert(ctx, msg, roomMessagesKey(msg.Room))
}

func (s *RedisStore) InsertPrivateMessage(ctx context.Context, msg *types.Message) error {
	return s.insert(ctx, msg, pairMessagesKey(msg.Username, msg.To))
}

func (s *RedisStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	raw, err := s.client.Get(ctx, messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeMessage(raw)
}

func (s *RedisStore) UpdateMessageReceipts(ctx context.Context, msg *types.Message) error {
	stored, err := s.GetMessage(ctx, msg.Id)
	if err != nil {
		return err
	}

	stored.Status = msg.Status
	stored.DeliveredTo = msg.DeliveredTo
	stored.ReadBy = msg.ReadBy

	raw, err := encodeMessage(stored)
	if err != nil {
		return err
	}

	err = s.client.SetArgs(ctx, messageKey(msg.Id), raw, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

func (s *RedisStore) history(ctx context.Context, listKey string, limit int) ([]types.Message, error) {
	ids, err := s.client.LRange(ctx, listKey, int64(-normalizeLimit(limit)), -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(ids))
	if len(ids) == 0 {
		return messages, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired
			continue
		}
		msg, err := decodeMessage([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, *msg)
	}

	return messages, nil
}

func (s *RedisStore) GetRoomMessages(ctx context.Context, room string, limit int) ([]types.Message, error) {
	return s.history(ctx, roomMessagesKey(room), limit)
}

func (s *RedisStore) GetPrivateMessages(ctx context.Context, userA, userB string, limit int) ([]types.Message, error) {
	return s.history(ctx, pairMessagesKey(userA, userB), limit)
}

func (s *RedisStore) UpsertUser(ctx context.Context, user types.User) error {
	raw, err := encodeUser(user)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(user.ConnId), raw, 0)
		if user.Online {
			pipe.SAdd(ctx, roomOnlineKey(user.Room), user.ConnId)
		} else {
			pipe.SRem(ctx, roomOnlineKey(user.Room), user.ConnId)
		}
		return nil
	})
	return err
}

func (s *RedisStore) UpdateUserStatus(ctx context.Context, connId string, online bool, lastSeen time.Time) error {
	raw, err := s.client.Get(ctx, userKey(connId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	user, err := decodeUser(raw)
	if err != nil {
		return err
	}

	user.Online = online
	user.LastSeen = lastSeen
	return s.UpsertUser(ctx, user)
}

func (s *RedisStore) GetOnlineUsers(ctx context.Context, room string) ([]types.User, error) {
	connIds, err := s.client.SMembers(ctx, roomOnlineKey(room)).Result()
	if err != nil {
		return nil, err
	}

	users := make([]types.User, 0, len(connIds))
	if len(connIds) == 0 {
		return users, nil
	}

	keys := make([]string, len(connIds))
	for i, id := range connIds {
		keys[i] = userKey(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		u, err := decodeUser([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		if u.Online {
			users = append(users, u)
		}
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].JoinedAt.After(users[j].JoinedAt)
	})
	return users, nil
}
