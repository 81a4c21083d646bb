package database

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const DefaultStoreTimeout = 3 * time.Second

// FailoverStore fronts a durable Store with a volatile one. Any error from
// the durable store other than ErrNotFound or ErrDuplicate marks it down
// and the call is retried against the fallback. Callers never see the
// outage; Run brings the durable store back once it answers a ping.
type FailoverStore struct {
	primary  Store
	fallback Store
	log      *logger.Logger
	stats    stats.StatsProvider
	timeout  time.Duration

	mu        sync.RWMutex
	available bool
}

// NewFailoverStore starts with the primary marked down. Call Ping once
// before serving so the primary gets a chance to come up (and migrate).
func NewFailoverStore(primary, fallback Store, log *logger.Logger, st stats.StatsProvider, timeout time.Duration) *FailoverStore {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	st.RegisterMetric(stats.StoreFallbacks)

	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		log:      log,
		stats:    st,
		timeout:  timeout,
	}
}

func (s *FailoverStore) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

func (s *FailoverStore) markDown(op string, err error) {
	s.mu.Lock()
	wasAvailable := s.available
	s.available = false
	s.mu.Unlock()

	if wasAvailable {
		s.log.LogError(err, "durable store unavailable, using volatile store", "op", op)
		s.stats.Incr(stats.StoreFallbacks)
	}
}

func (s *FailoverStore) markUp() {
	s.mu.Lock()
	wasAvailable := s.available
	s.available = true
	s.mu.Unlock()

	if !wasAvailable {
		s.log.Info("durable store available")
	}
}

// Ping probes the durable store and updates its availability.
func (s *FailoverStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.primary.Ping(ctx); err != nil {
		s.markDown("ping", err)
		return err
	}

	s.markUp()
	return nil
}

// Run probes the durable store every interval while it is down.
func (s *FailoverStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.IsAvailable() {
				if err := s.Ping(ctx); err != nil {
					s.log.Debug("durable store probe failed", "error", err)
				}
			}
		}
	}
}

// call runs fn against the primary when it is available and against the
// fallback otherwise, or when the primary fails.
func (s *FailoverStore) call(ctx context.Context, op string, fn func(context.Context, Store) error) error {
	if s.IsAvailable() {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := fn(pctx, s.primary)
		cancel()

		if err == nil || isDomainError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markDown(op, err)
	}

	return fn(ctx, s.fallback)
}

func (s *FailoverStore) InsertRoomMessage(ctx context.Context, msg *types.Message) error {
	return s.call(ctx, "insert room message", func(ctx context.Context, st Store) error {
		return st.InsertRoomMessage(ctx, msg)
	})
}

func (s *FailoverStore) InsertPrivateMessage(ctx context.Context, msg *types.Message) error {
	return s.call(ctx, "insert private message", func(ctx context.Context, st Store) error {
		return st.InsertPrivateMessage(ctx, msg)
	})
}

// GetMessage also looks in the fallback when the primary is up but does not
// know the id, which is the case for messages written during an outage.
func (s *FailoverStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	var msg *types.Message
	err := s.call(ctx, "get message", func(ctx context.Context, st Store) error {
		var err error
		msg, err = st.GetMessage(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) && s.IsAvailable() {
		return s.fallback.GetMessage(ctx, id)
	}
	return msg, err
}

func (s *FailoverStore) UpdateMessageReceipts(ctx context.Context, msg *types.Message) error {
	err := s.call(ctx, "update message receipts", func(ctx context.Context, st Store) error {
		return st.UpdateMessageReceipts(ctx, msg)
	})
	if errors.Is(err, ErrNotFound) && s.IsAvailable() {
		return s.fallback.UpdateMessageReceipts(ctx, msg)
	}
	return err
}

func (s *FailoverStore) UpsertUser(ctx context.Context, user types.User) error {
	return s.call(ctx, "upsert user", func(ctx context.Context, st Store) error {
		return st.UpsertUser(ctx, user)
	})
}

func (s *FailoverStore) UpdateUserStatus(ctx context.Context, connId string, online bool, lastSeen time.Time) error {
	err := s.call(ctx, "update user status", func(ctx context.Context, st Store) error {
		return st.UpdateUserStatus(ctx, connId, online, lastSeen)
	})
	if errors.Is(err, ErrNotFound) && s.IsAvailable() {
		return s.fallback.UpdateUserStatus(ctx, connId, online, lastSeen)
	}
	return err
}

func (s *FailoverStore) GetOnlineUsers(ctx context.Context, room string) ([]types.User, error) {
	var users []types.User
	err := s.call(ctx, "get online users", func(ctx context.Context, st Store) error {
		var err error
		users, err = st.GetOnlineUsers(ctx, room)
		return err
	})
	return users, err
}

func (s *FailoverStore) GetRoomMessages(ctx context.Context, room string, limit int) ([]types.Message, error) {
	return s.history(ctx, "get room messages", limit, func(ctx context.Context, st Store) ([]types.Message, error) {
		return st.GetRoomMessages(ctx, room, limit)
	})
}

func (s *FailoverStore) GetPrivateMessages(ctx context.Context, userA, userB string, limit int) ([]types.Message, error) {
	return s.history(ctx, "get private messages", limit, func(ctx context.Context, st Store) ([]types.Message, error) {
		return st.GetPrivateMessages(ctx, userA, userB, limit)
	})
}

// history merges the durable history with whatever the volatile store
// picked up while the durable one was down.
func (s *FailoverStore) history(ctx context.Context, op string, limit int, fn func(context.Context, Store) ([]types.Message, error)) ([]types.Message, error) {
	var (
		durable     []types.Message
		fromPrimary bool
	)

	if s.IsAvailable() {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		msgs, err := fn(pctx, s.primary)
		cancel()

		switch {
		case err == nil:
			durable, fromPrimary = msgs, true
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			s.markDown(op, err)
		}
	}

	volatile, err := fn(ctx, s.fallback)
	if err != nil {
		if fromPrimary {
			return durable, nil
		}
		return nil, err
	}
	if !fromPrimary {
		return volatile, nil
	}

	return mergeHistory(durable, volatile, normalizeLimit(limit)), nil
}

// mergeHistory combines two oldest-first lists, drops repeated ids (the
// first list wins) and keeps the newest limit messages.
func mergeHistory(a, b []types.Message, limit int) []types.Message {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]types.Message, 0, len(a)+len(b))

	for _, list := range [][]types.Message{a, b} {
		for _, m := range list {
			if _, ok := seen[m.Id]; ok {
				continue
			}
			seen[m.Id] = struct{}{}
			merged = append(merged, m)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

func (s *FailoverStore) Close() error {
	return errors.Join(s.primary.Close(), s.fallback.Close())
}
