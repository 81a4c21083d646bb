package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/delivery"
	"github.com/npezzotti/go-chatrelay/internal/keylock"
	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"golang.org/x/time/rate"
)

const DefaultMaxMessageSize = 5 << 20

type Options struct {
	// MaxMessageSize bounds one inbound frame; inline images count.
	MaxMessageSize int64
	// RateLimit is events per second per connection. Zero disables it.
	RateLimit    float64
	RateBurst    int
	ReapInterval time.Duration
	StaleAfter   time.Duration
}

func (o Options) rateLimit() rate.Limit {
	if o.RateLimit <= 0 {
		return rate.Inf
	}
	return rate.Limit(o.RateLimit)
}

// ChatServer ties the websocket clients to the router and the hub.
type ChatServer struct {
	log      *logger.Logger
	registry *presence.Registry
	engine   *delivery.Engine
	router   *Router
	hub      *Hub
	opts     Options

	// rooms is held from handling an event until its output is queued, for
	// every event that changes a room's membership or fans out to it.
	rooms *keylock.Locker

	wg sync.WaitGroup
}

func NewChatServer(l *logger.Logger, registry *presence.Registry, engine *delivery.Engine, st stats.StatsProvider, opts Options) *ChatServer {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}

	return &ChatServer{
		log:      l,
		registry: registry,
		engine:   engine,
		router:   NewRouter(registry, engine, l),
		hub:      NewHub(l, st),
		opts:     opts,
		rooms:    keylock.New(),
	}
}

func (cs *ChatServer) Registry() *presence.Registry {
	return cs.registry
}

func (cs *ChatServer) Engine() *delivery.Engine {
	return cs.engine
}

// Serve takes ownership of an upgraded connection and starts its pumps.
func (cs *ChatServer) Serve(conn *websocket.Conn) *Client {
	c := NewClient(conn, cs, cs.log)
	cs.connect(c)

	cs.wg.Add(2)
	go func() {
		defer cs.wg.Done()
		c.Write()
	}()
	go func() {
		defer cs.wg.Done()
		c.Read()
	}()

	return c
}

func (cs *ChatServer) connect(c *Client) {
	cs.registry.Connect(c.id)
	cs.hub.Add(c)
	c.log.Debug("client connected")
}

func (cs *ChatServer) handle(ctx context.Context, c *Client, msg *ClientMessage) {
	if room := cs.roomFor(c.id, msg); room != "" {
		unlock := cs.rooms.Lock(room)
		defer unlock()
	}
	cs.hub.Dispatch(cs.router.Handle(ctx, c.id, msg))
}

// roomFor names the room whose roster or members msg can affect.
func (cs *ChatServer) roomFor(connId string, msg *ClientMessage) string {
	switch {
	case msg.Register != nil:
		return presence.RoomName(msg.Register.Room)
	case msg.Message != nil:
		if s, err := cs.registry.Lookup(connId); err == nil && s.Registered() {
			return s.Room
		}
	}
	return ""
}

func (cs *ChatServer) disconnect(ctx context.Context, c *Client) {
	if s, err := cs.registry.Lookup(c.id); err == nil && s.Registered() {
		unlock := cs.rooms.Lock(s.Room)
		defer unlock()
	}
	cs.hub.Dispatch(cs.router.Disconnect(ctx, c.id))
	cs.hub.Remove(c.id)
	c.log.Debug("client disconnected")
}

// Run drives the stale session reaper until ctx is done.
func (cs *ChatServer) Run(ctx context.Context) error {
	return cs.registry.RunReaper(ctx, cs.opts.ReapInterval, cs.opts.StaleAfter, cs.reaped)
}

func (cs *ChatServer) reaped(sessions []types.Session) {
	byRoom := make(map[string][]types.Session)
	for _, s := range sessions {
		byRoom[s.Room] = append(byRoom[s.Room], s)
	}

	for room, gone := range byRoom {
		unlock := cs.rooms.Lock(room)
		cs.hub.Dispatch(cs.router.Reaped(gone))
		unlock()
	}
}

// Shutdown closes every client and waits for their pumps to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("shutting down chat server", "clients", cs.hub.Len())
	cs.hub.stopAll()

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
