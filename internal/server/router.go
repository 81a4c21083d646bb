package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chatrelay/internal/delivery"
	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

type State int

const (
	StateConnected State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	default:
		return "closed"
	}
}

type Action int

const (
	ActionSendTo Action = iota
	ActionBroadcast
	ActionBroadcastExcept
	ActionJoin
	ActionLeave
)

// Outbound is one transport instruction produced by the router. ConnId is
// the target of ActionSendTo and the excluded connection of
// ActionBroadcastExcept.
type Outbound struct {
	Action  Action
	ConnId  string
	Room    string
	Message *ServerMessage
}

func sendTo(connId string, msg *ServerMessage) Outbound {
	return Outbound{Action: ActionSendTo, ConnId: connId, Message: msg}
}

func broadcast(room string, msg *ServerMessage) Outbound {
	return Outbound{Action: ActionBroadcast, Room: room, Message: msg}
}

func broadcastExcept(room, connId string, msg *ServerMessage) Outbound {
	return Outbound{Action: ActionBroadcastExcept, Room: room, ConnId: connId, Message: msg}
}

// Router is the per-connection protocol state machine. It decides what
// each event means and who hears about it but never touches a socket.
type Router struct {
	registry *presence.Registry
	engine   *delivery.Engine
	log      *logger.Logger
}

func NewRouter(registry *presence.Registry, engine *delivery.Engine, log *logger.Logger) *Router {
	return &Router{
		registry: registry,
		engine:   engine,
		log:      log,
	}
}

func (r *Router) State(connId string) State {
	s, err := r.registry.Lookup(connId)
	switch {
	case err != nil:
		return StateClosed
	case s.Registered():
		return StateRegistered
	default:
		return StateConnected
	}
}

// Handle processes one inbound event for connId. A panic or unexpected
// error becomes a 500 response to the caller only.
func (r *Router) Handle(ctx context.Context, connId string, msg *ClientMessage) (out []Outbound) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic handling event", "conn_id", connId, "panic", fmt.Sprint(rec))
			out = []Outbound{sendTo(connId, ErrInternalError(msg.Id))}
		}
	}()

	switch {
	case msg.Register != nil:
		return r.register(ctx, connId, msg)
	case msg.Message != nil:
		return r.roomMessage(ctx, connId, msg)
	case msg.PrivateMessage != nil:
		return r.privateMessage(ctx, connId, msg)
	case msg.Typing != nil:
		return r.typing(connId, msg)
	case msg.Delivered != nil:
		return r.receipt(ctx, connId, msg.Id, msg.Delivered.MessageId, types.StatusDelivered)
	case msg.Read != nil:
		return r.receipt(ctx, connId, msg.Id, msg.Read.MessageId, types.StatusRead)
	case msg.History != nil:
		return r.history(ctx, connId, msg)
	default:
		return []Outbound{sendTo(connId, ErrInvalidMessage(msg.Id))}
	}
}

func (r *Router) fail(connId string, id int, err error) []Outbound {
	resp := ErrorResponse(id, err)
	if resp.Response.ResponseCode >= 500 {
		r.log.LogError(err, "handle event", "conn_id", connId)
	}
	return []Outbound{sendTo(connId, resp)}
}

func (r *Router) registered(connId string) (types.Session, error) {
	s, err := r.registry.Lookup(connId)
	if err != nil || !s.Registered() {
		return types.Session{}, ErrNotRegistered
	}
	return s, nil
}

func (r *Router) register(ctx context.Context, connId string, msg *ClientMessage) []Outbound {
	s, err := r.registry.Register(ctx, connId, msg.Register.Username, msg.Register.Room, msg.Register.Avatar)
	if err != nil {
		return r.fail(connId, msg.Id, err)
	}

	r.log.Info("user registered", "conn_id", connId, "username", s.Username, "room", s.Room)

	out := []Outbound{
		{Action: ActionJoin, Room: s.Room, ConnId: connId},
		sendTo(connId, NoErrOK(msg.Id, map[string]any{
			"username": s.Username,
			"room":     s.Room,
			"avatar":   s.Avatar,
		})),
	}

	history, err := r.engine.History(ctx, s.Room, 0)
	if err != nil {
		r.log.LogError(err, "load room history", "room", s.Room)
	} else {
		h := newServerMessage(0)
		h.History = &History{Room: s.Room, Messages: history}
		out = append(out, sendTo(connId, h))
	}

	joined := newServerMessage(0)
	joined.Notification = &Notification{UserJoined: &PresenceChange{
		Username: s.Username,
		Avatar:   s.Avatar,
		Room:     s.Room,
		Text:     s.Username + " joined the room",
	}}

	return append(out,
		broadcastExcept(s.Room, connId, joined),
		broadcast(s.Room, r.roster(s.Room)),
	)
}

func (r *Router) roster(room string) *ServerMessage {
	msg := newServerMessage(0)
	msg.Notification = &Notification{Roster: &Roster{
		Room:  room,
		Users: r.registry.Roster(room),
	}}
	return msg
}

func (r *Router) roomMessage(ctx context.Context, connId string, msg *ClientMessage) []Outbound {
	sender, err := r.registered(connId)
	if err != nil {
		return r.fail(connId, msg.Id, err)
	}

	p := msg.Message
	m, err := r.engine.SendRoomMessage(ctx, sender, delivery.SendParams{
		Body:      p.Body,
		Image:     p.Image,
		Room:      p.Room,
		MessageId: p.MessageId,
		Avatar:    p.Avatar,
	})
	if err != nil {
		return r.fail(connId, msg.Id, err)
	}

	out := newServerMessage(0)
	out.Message = m

	return []Outbound{
		sendTo(connId, NoErrAccepted(msg.Id, map[string]any{"message_id": m.Id})),
		broadcast(m.Room, out),
	}
}

func (r *Router) privateMessage(ctx context.Context, connId string, msg *ClientMessage) []Outbound {
	sender, err := r.registered(connId)
	if err != nil {
		return r.fail(connId, msg.Id, err)
	}

	p := msg.PrivateMessage
	m, recipient, err := r.engine.SendPrivateMessage(ctx, sender, p.To, delivery.SendParams{
		Body:      p.Body,
		Image:     p.Image,
		MessageId: p.MessageId,
		Avatar:    p.Avatar,
	})
	if err != nil {
		return r.fail(connId, msg.Id, err)
	}

	out := newServerMessage(0)
	out.Message = m

	return []Outbound{
		sendTo(connId, NoErrAccepted(msg.Id, map[string]any{"message_id": m.Id})),
		sendTo(connId, out),
		sendTo(recipient.ConnId, out),
	}
}

// typing is best effort: nothing is reported back to the caller.
func (r *Router) typing(connId string, msg *ClientMessage) []Outbound {
	sender, err := r.registered(connId)
	if err != nil {
		return nil
	}
	r.registry.Touch(connId)

	indicator := newServerMessage(0)
	indicator.Notification = &Notification{Typing: &TypingIndicator{
		Username: sender.Username,
		Avatar:   sender.Avatar,
		IsTyping: msg.Typing.IsTyping,
	}}

	if to := msg.Typing.To; to != "" {
		// a private indicator never falls back to the room
		target, err := r.registry.FindOnlineByUsername(to)
		if err != nil || target.ConnId == connId {
			return nil
		}
		indicator.Notification.Typing.Private = true
		return []Outbound{sendTo(target.ConnId, indicator)}
	}

	return []Outbound{broadcastExcept(sender.Room, connId, indicator)}
}

func (r *Router) receipt(ctx context.Context, connId string, id int, messageId string, status types.Status) []Outbound {
	receiver, err := r.registered(connId)
	if err != nil {
		return r.fail(connId, id, err)
	}

	var ack delivery.Ack
	if status == types.StatusRead {
		ack, err = r.engine.MarkRead(ctx, messageId, receiver)
	} else {
		ack, err = r.engine.MarkDelivered(ctx, messageId, receiver)
	}
	if err != nil {
		return r.fail(connId, id, err)
	}

	out := []Outbound{sendTo(connId, NoErrOK(id, nil))}
	if !ack.Changed {
		return out
	}

	// the receipt is dropped if the sender has gone away
	if _, err := r.registered(ack.SenderConnId); err != nil {
		return out
	}

	notice := &ReceiptNotice{
		MessageId: messageId,
		Username:  receiver.Username,
		Status:    ack.Message.Status,
	}
	n := newServerMessage(0)
	if status == types.StatusRead {
		n.Notification = &Notification{Read: notice}
	} else {
		n.Notification = &Notification{Delivered: notice}
	}

	return append(out, sendTo(ack.SenderConnId, n))
}

func (r *Router) history(ctx context.Context, connId string, msg *ClientMessage) []Outbound {
	s, err := r.registered(connId)
	if err != nil {
		return r.fail(connId, msg.Id, err)
	}

	h := &History{}
	if with := msg.History.With; with != "" {
		h.With = with
		h.Messages, err = r.engine.PrivateHistory(ctx, s.Username, with, msg.History.Limit)
	} else {
		h.Room = s.Room
		h.Messages, err = r.engine.History(ctx, s.Room, msg.History.Limit)
	}
	if err != nil {
		return r.fail(connId, msg.Id, err)
	}

	out := newServerMessage(msg.Id)
	out.History = h
	return []Outbound{sendTo(connId, out)}
}

// Disconnect closes the session of connId. Only a registered session
// produces notifications; repeating it yields nothing.
func (r *Router) Disconnect(ctx context.Context, connId string) []Outbound {
	s, err := r.registry.MarkOffline(ctx, connId)
	if err != nil {
		if !errors.Is(err, presence.ErrSessionNotFound) {
			r.log.LogError(err, "mark offline", "conn_id", connId)
		}
		return nil
	}
	if !s.Registered() {
		return nil
	}

	r.log.Info("user left", "conn_id", connId, "username", s.Username, "room", s.Room)
	return r.left(s)
}

// Reaped produces the notifications for sessions the reaper took offline.
func (r *Router) Reaped(sessions []types.Session) []Outbound {
	var out []Outbound
	for _, s := range sessions {
		out = append(out, r.left(s)...)
	}
	return out
}

func (r *Router) left(s types.Session) []Outbound {
	leftMsg := newServerMessage(0)
	leftMsg.Notification = &Notification{UserLeft: &PresenceChange{
		Username: s.Username,
		Avatar:   s.Avatar,
		Room:     s.Room,
		Text:     s.Username + " left the room",
	}}

	return []Outbound{
		{Action: ActionLeave, Room: s.Room, ConnId: s.ConnId},
		broadcastExcept(s.Room, s.ConnId, leftMsg),
		broadcast(s.Room, r.roster(s.Room)),
	}
}
