package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

type HealthResponse struct {
	Status       string `json:"status"`
	DurableStore bool   `json:"durable_store"`
}

type RoomUsersResponse struct {
	Room  string              `json:"room"`
	Users []types.RosterEntry `json:"users"`
}

type MessagesResponse struct {
	Room     string          `json:"room,omitempty"`
	Messages []types.Message `json:"messages"`
}

// availability is implemented by stores that fall back to a volatile copy.
type availability interface {
	IsAvailable() bool
}

func (s *ChatRelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.LogError(err, "json encode")
	}
}

func (s *ChatRelayApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.LogError(errResp.Err, errResp.Message)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// healthCheck stays 200 while a durable store is down because the
// volatile fallback keeps the service working.
func (s *ChatRelayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if fs, ok := s.store.(availability); ok {
		resp := HealthResponse{Status: "ok", DurableStore: fs.IsAvailable()}
		if !resp.DurableStore {
			resp.Status = "degraded"
		}
		s.writeJson(w, http.StatusOK, resp)
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.log.LogError(err, "health check")
		s.writeJson(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}

	s.writeJson(w, http.StatusOK, HealthResponse{Status: "ok", DurableStore: true})
}

// getRoomUsers serves the live roster. With source=store it serves the
// presence rows the store holds instead, which can lag the live view.
func (s *ChatRelayApp) getRoomUsers(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.PathValue("room"))
	if room == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	switch r.URL.Query().Get("source") {
	case "", "live":
		s.writeJson(w, http.StatusOK, RoomUsersResponse{
			Room:  room,
			Users: s.cs.Registry().Roster(room),
		})
	case "store":
		users, err := s.store.GetOnlineUsers(r.Context(), room)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		entries := make([]types.RosterEntry, 0, len(users))
		for _, u := range users {
			entries = append(entries, types.RosterEntry{Username: u.Username, JoinedAt: u.JoinedAt, Avatar: u.Avatar})
		}
		s.writeJson(w, http.StatusOK, RoomUsersResponse{Room: room, Users: entries})
	default:
		s.writeError(w, NewBadRequestError())
	}
}

func parseLimit(r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, true
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

func (s *ChatRelayApp) getRoomMessages(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.PathValue("room"))
	limit, ok := parseLimit(r)
	if room == "" || !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	messages, err := s.cs.Engine().History(r.Context(), room, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, MessagesResponse{Room: room, Messages: messages})
}

func (s *ChatRelayApp) getPrivateMessages(w http.ResponseWriter, r *http.Request) {
	userA := strings.TrimSpace(r.URL.Query().Get("a"))
	userB := strings.TrimSpace(r.URL.Query().Get("b"))
	limit, ok := parseLimit(r)
	if userA == "" || userB == "" || !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	messages, err := s.cs.Engine().PrivateHistory(r.Context(), userA, userB, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, MessagesResponse{Messages: messages})
}

func (s *ChatRelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.LogError(err, "upgrade connection")
		return
	}

	s.cs.Serve(conn)
}
