package server

import (
	"sync"

	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/stats"
)

// Hub is the transport: it knows every connected client and the room
// groups they have joined.
type Hub struct {
	log   *logger.Logger
	stats stats.StatsProvider

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]struct{}
}

func NewHub(log *logger.Logger, st stats.StatsProvider) *Hub {
	st.RegisterMetric(stats.ConnectedClients)

	return &Hub{
		log:     log,
		stats:   st,
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; ok {
		return
	}
	h.clients[c.id] = c
	h.stats.Incr(stats.ConnectedClients)
}

// Remove forgets the client and drops it from every room group.
func (h *Hub) Remove(connId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[connId]; !ok {
		return
	}
	delete(h.clients, connId)
	h.stats.Decr(stats.ConnectedClients)

	for room, members := range h.rooms {
		delete(members, connId)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Join(room, connId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[connId]; !ok {
		return
	}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connId] = struct{}{}
}

func (h *Hub) Leave(room, connId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, connId)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) client(connId string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connId]
}

// SendTo queues msg for one connection and reports whether it was queued.
func (h *Hub) SendTo(connId string, msg *ServerMessage) bool {
	c := h.client(connId)
	if c == nil {
		return false
	}
	return c.queueMessage(msg)
}

func (h *Hub) Broadcast(room string, msg *ServerMessage) {
	h.BroadcastExcept(room, "", msg)
}

func (h *Hub) BroadcastExcept(room, skip string, msg *ServerMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for connId := range h.rooms[room] {
		if connId == skip {
			continue
		}
		if c, ok := h.clients[connId]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.queueMessage(msg) {
			h.log.Warn("dropped message for slow client", "conn_id", c.id, "room", room)
		}
	}
}

// Dispatch applies router output in order.
func (h *Hub) Dispatch(out []Outbound) {
	for _, o := range out {
		switch o.Action {
		case ActionSendTo:
			h.SendTo(o.ConnId, o.Message)
		case ActionBroadcast:
			h.Broadcast(o.Room, o.Message)
		case ActionBroadcastExcept:
			h.BroadcastExcept(o.Room, o.ConnId, o.Message)
		case ActionJoin:
			h.Join(o.Room, o.ConnId)
		case ActionLeave:
			h.Leave(o.Room, o.ConnId)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// stopAll signals every client's pumps to exit.
func (h *Hub) stopAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.stopClient()
	}
}
