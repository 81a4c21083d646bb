package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

// DefaultMemoryRetention is how many messages the volatile store keeps
// per room and per private conversation.
const DefaultMemoryRetention = 100

// MemoryStore is the volatile Store. Only the newest messages per room or
// conversation are kept; everything is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	retention int
	messages  map[string]*types.Message
	rooms     map[string][]string
	pairs     map[string][]string
	users     map[string]types.User
}

func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultMemoryRetention
	}

	return &MemoryStore{
		retention: retention,
		messages:  make(map[string]*types.Message),
		rooms:     make(map[string][]string),
		pairs:     make(map[string][]string),
		users:     make(map[string]types.User),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) InsertRoomMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.Id]; ok {
		return ErrDuplicate
	}

	s.messages[msg.Id] = msg.Clone()
	s.rooms[msg.Room] = s.appendAndEvict(s.rooms[msg.Room], msg.Id)
	return nil
}

func (s *MemoryStore) InsertPrivateMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.Id]; ok {
		return ErrDuplicate
	}

	key := pairKey(msg.Username, msg.To)
	s.messages[msg.Id] = msg.Clone()
	s.pairs[key] = s.appendAndEvict(s.pairs[key], msg.Id)
	return nil
}

// appendAndEvict must be called with s.mu held.
func (s *MemoryStore) appendAndEvict(ids []string, id string) []string {
	ids = append(ids, id)
	for len(ids) > s.retention {
		delete(s.messages, ids[0])
		ids = ids[1:]
	}
	return ids
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

func (s *MemoryStore) UpdateMessageReceipts(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[msg.Id]
	if !ok {
		return ErrNotFound
	}

	updated := stored.Clone()
	updated.Status = msg.Status
	updated.DeliveredTo = append([]types.Receipt(nil), msg.DeliveredTo...)
	updated.ReadBy = append([]types.Receipt(nil), msg.ReadBy...)
	s.messages[msg.Id] = updated
	return nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, user types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ConnId] = user
	return nil
}

func (s *MemoryStore) UpdateUserStatus(_ context.Context, connId string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[connId]
	if !ok {
		return ErrNotFound
	}

	if !online {
		// the volatile store keeps no offline users around
		delete(s.users, connId)
		return nil
	}

	user.Online = true
	user.LastSeen = lastSeen
	s.users[connId] = user
	return nil
}

func (s *MemoryStore) GetRoomMessages(_ context.Context, room string, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(s.rooms[room], normalizeLimit(limit)), nil
}

func (s *MemoryStore) GetPrivateMessages(_ context.Context, userA, userB string, limit int) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(s.pairs[pairKey(userA, userB)], normalizeLimit(limit)), nil
}

// collect returns the newest limit messages of ids, oldest first.
func (s *MemoryStore) collect(ids []string, limit int) []types.Message {
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	out := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			out = append(out, *msg.Clone())
		}
	}
	return out
}

func (s *MemoryStore) GetOnlineUsers(_ context.Context, room string) ([]types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]types.User, 0)
	for _, u := range s.users {
		if u.Online && u.Room == room {
			users = append(users, u)
		}
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].JoinedAt.After(users[j].JoinedAt)
	})
	return users, nil
}
