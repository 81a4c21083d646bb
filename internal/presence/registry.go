package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/keylock"
	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	DefaultRoom = "general"

	DefaultReapInterval = 5 * time.Minute
	DefaultStaleAfter   = 5 * time.Minute

	minUsernameLength = 2
)

var (
	ErrInvalidUsername   = errors.New("username must be at least 2 characters")
	ErrDuplicateUsername = errors.New("username is already taken in this room")
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrSessionNotFound   = errors.New("session not found")
)

// Registry owns every live session of this process. Registration and
// removal are serialised per room so two connections can never both claim
// the same username in one room.
type Registry struct {
	store database.Store
	log   *logger.Logger
	stats stats.StatsProvider
	rooms *keylock.Locker
	now   func() time.Time

	mu       sync.RWMutex
	sessions map[string]*types.Session
}

func NewRegistry(store database.Store, log *logger.Logger, st stats.StatsProvider) *Registry {
	st.RegisterMetric(stats.OnlineSessions)

	return &Registry{
		store:    store,
		log:      log,
		stats:    st,
		rooms:    keylock.New(),
		now:      time.Now,
		sessions: make(map[string]*types.Session),
	}
}

// Connect creates the unregistered session for a new connection.
func (r *Registry) Connect(connId string) types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[connId]; ok {
		return *s
	}

	s := &types.Session{ConnId: connId, LastActive: r.now()}
	r.sessions[connId] = s
	return *s
}

// RoomName is the room a registration for room lands in.
func RoomName(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return DefaultRoom
	}
	return room
}

func (r *Registry) Register(ctx context.Context, connId, username, room, avatar string) (types.Session, error) {
	username = strings.TrimSpace(username)
	if utf8.RuneCountInString(username) < minUsernameLength {
		return types.Session{}, ErrInvalidUsername
	}

	room = RoomName(room)

	avatar = strings.TrimSpace(avatar)
	if avatar == "" {
		avatar = defaultAvatar(username)
	}

	unlock := r.rooms.Lock(room)
	defer unlock()

	r.mu.Lock()
	s, ok := r.sessions[connId]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, ErrSessionNotFound
	}
	if s.Registered() {
		r.mu.Unlock()
		return types.Session{}, ErrAlreadyRegistered
	}
	for _, other := range r.sessions {
		if other.Online && other.Room == room && other.Username == username {
			r.mu.Unlock()
			return types.Session{}, ErrDuplicateUsername
		}
	}

	now := r.now()
	s.Username = username
	s.Room = room
	s.Avatar = avatar
	s.JoinedAt = now
	s.LastActive = now
	s.Online = true
	registered := *s
	r.mu.Unlock()

	r.stats.Incr(stats.OnlineSessions)

	err := r.store.UpsertUser(ctx, types.User{
		ConnId:   connId,
		Username: username,
		Room:     room,
		Avatar:   avatar,
		Online:   true,
		JoinedAt: now,
	})
	if err != nil {
		r.log.LogError(err, "persist user", "conn_id", connId, "username", username, "room", room)
	}

	return registered, nil
}

func (r *Registry) Lookup(connId string) (types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connId]
	if !ok {
		return types.Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// FindOnlineByUsername resolves a username across all rooms. When the
// name is online in several rooms the most recent registration wins.
func (r *Registry) FindOnlineByUsername(username string) (types.Session, error) {
	username = strings.TrimSpace(username)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *types.Session
	for _, s := range r.sessions {
		if !s.Online || s.Username != username {
			continue
		}
		if found == nil || s.JoinedAt.After(found.JoinedAt) {
			found = s
		}
	}

	if found == nil {
		return types.Session{}, ErrSessionNotFound
	}
	return *found, nil
}

// MarkOffline removes the session of a closed connection. The returned
// session says whether it had registered; a second call for the same id
// returns ErrSessionNotFound.
func (r *Registry) MarkOffline(ctx context.Context, connId string) (types.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[connId]
	var room string
	if ok {
		room = s.Room
	}
	r.mu.RUnlock()

	if !ok {
		return types.Session{}, ErrSessionNotFound
	}

	if room != "" {
		unlock := r.rooms.Lock(room)
		defer unlock()
	}

	r.mu.Lock()
	s, ok = r.sessions[connId]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, ErrSessionNotFound
	}
	delete(r.sessions, connId)
	closed := *s
	r.mu.Unlock()

	if closed.Online {
		closed.Online = false
		r.persistOffline(ctx, closed)
	}

	return closed, nil
}

func (r *Registry) persistOffline(ctx context.Context, s types.Session) {
	r.stats.Decr(stats.OnlineSessions)

	if err := r.store.UpdateUserStatus(ctx, s.ConnId, false, r.now()); err != nil {
		r.log.LogError(err, "persist user offline", "conn_id", s.ConnId, "username", s.Username)
	}
}

func (r *Registry) Touch(connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[connId]; ok {
		s.LastActive = r.now()
	}
}

// Roster lists the online sessions of room, most recently joined first.
func (r *Registry) Roster(room string) []types.RosterEntry {
	r.mu.RLock()
	members := make([]types.Session, 0)
	for _, s := range r.sessions {
		if s.Online && s.Room == room {
			members = append(members, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].Username < members[j].Username
		}
		return members[i].JoinedAt.After(members[j].JoinedAt)
	})

	roster := make([]types.RosterEntry, len(members))
	for i, s := range members {
		roster[i] = types.RosterEntry{
			Username: s.Username,
			JoinedAt: s.JoinedAt,
			Avatar:   s.Avatar,
		}
	}
	return roster
}

// ReapStale takes registered sessions idle for longer than threshold
// offline and returns them as they were before. The connection keeps its
// unregistered session so it can register again.
func (r *Registry) ReapStale(ctx context.Context, threshold time.Duration) []types.Session {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	var candidates []types.Session
	for _, s := range r.sessions {
		if s.Online && s.LastActive.Before(cutoff) {
			candidates = append(candidates, *s)
		}
	}
	r.mu.RUnlock()

	reaped := make([]types.Session, 0, len(candidates))
	for _, c := range candidates {
		if s, ok := r.reap(c, cutoff); ok {
			r.persistOffline(ctx, s)
			reaped = append(reaped, s)
		}
	}
	return reaped
}

func (r *Registry) reap(candidate types.Session, cutoff time.Time) (types.Session, bool) {
	unlock := r.rooms.Lock(candidate.Room)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[candidate.ConnId]
	// the session may have closed or been touched since it was picked
	if !ok || !s.Online || !s.LastActive.Before(cutoff) {
		return types.Session{}, false
	}

	old := *s
	old.Online = false
	*s = types.Session{ConnId: s.ConnId, LastActive: s.LastActive}
	return old, true
}

// RunReaper calls ReapStale every interval and hands non-empty results to
// onReap until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, interval, threshold time.Duration, onReap func([]types.Session)) error {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reaped := r.ReapStale(ctx, threshold)
			if len(reaped) == 0 {
				continue
			}
			r.log.Info("reaped stale sessions", "count", len(reaped))
			if onReap != nil {
				onReap(reaped)
			}
		}
	}
}

func defaultAvatar(username string) string {
	first, _ := utf8.DecodeRuneInString(username)
	return string(unicode.ToUpper(first))
}
