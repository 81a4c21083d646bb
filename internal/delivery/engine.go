package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/keylock"
	"github.com/npezzotti/go-chatrelay/internal/logger"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/teris-io/shortid"
)

const DefaultHistoryLimit = 50

var (
	ErrEmptyPayload     = errors.New("message must have a body or an image")
	ErrWrongRoom        = errors.New("cannot send to a room you have not joined")
	ErrRecipientOffline = errors.New("recipient is not online")
	ErrSelfMessage      = errors.New("cannot send a private message to yourself")
	ErrMessageNotFound  = errors.New("message not found")
)

// Presence is the part of the presence registry the engine needs.
type Presence interface {
	FindOnlineByUsername(username string) (types.Session, error)
	Touch(connId string)
}

type SendParams struct {
	Body  string
	Image string
	Room  string
	// MessageId is an optional idempotency key chosen by the client.
	MessageId string
	Avatar    string
}

// Ack is the outcome of a receipt. Changed is false when the receipt was
// already recorded or came from the sender, in which case nothing needs
// to be routed.
type Ack struct {
	Message      *types.Message
	SenderConnId string
	Changed      bool
}

type Engine struct {
	store        database.Store
	presence     Presence
	log          *logger.Logger
	stats        stats.StatsProvider
	locks        *keylock.Locker
	historyLimit int

	now             func() time.Time
	generateShortId func() (string, error)
}

func NewEngine(store database.Store, presence Presence, log *logger.Logger, st stats.StatsProvider, historyLimit int) *Engine {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	st.RegisterMetric(stats.MessagesSent)
	st.RegisterMetric(stats.PrivateMessagesSent)
	st.RegisterMetric(stats.Receipts)

	return &Engine{
		store:           store,
		presence:        presence,
		log:             log,
		stats:           st,
		locks:           keylock.New(),
		historyLimit:    historyLimit,
		now:             time.Now,
		generateShortId: shortid.Generate,
	}
}

func (e *Engine) newMessage(sender types.Session, p SendParams) (*types.Message, error) {
	body := strings.TrimSpace(p.Body)
	image := strings.TrimSpace(p.Image)
	if body == "" && image == "" {
		return nil, ErrEmptyPayload
	}

	id := strings.TrimSpace(p.MessageId)
	if id == "" {
		var err error
		if id, err = e.generateShortId(); err != nil {
			return nil, fmt.Errorf("generate message id: %w", err)
		}
	}

	avatar := p.Avatar
	if avatar == "" {
		avatar = sender.Avatar
	}

	return &types.Message{
		Id:           id,
		Username:     sender.Username,
		SenderConnId: sender.ConnId,
		Body:         body,
		Image:        image,
		Avatar:       avatar,
		CreatedAt:    e.now(),
		Status:       types.StatusSent,
		DeliveredTo:  []types.Receipt{},
		ReadBy:       []types.Receipt{},
	}, nil
}

// SendRoomMessage stores a message for the sender's room. A repeated
// idempotency key returns the record stored the first time.
func (e *Engine) SendRoomMessage(ctx context.Context, sender types.Session, p SendParams) (*types.Message, error) {
	room := strings.TrimSpace(p.Room)
	if room != "" && room != sender.Room {
		return nil, ErrWrongRoom
	}

	msg, err := e.newMessage(sender, p)
	if err != nil {
		return nil, err
	}
	msg.Room = sender.Room

	if err := e.store.InsertRoomMessage(ctx, msg); err != nil {
		return e.existing(ctx, msg, err)
	}

	e.presence.Touch(sender.ConnId)
	e.stats.Incr(stats.MessagesSent)
	return msg, nil
}

// SendPrivateMessage stores a message for an online recipient and returns
// it together with the recipient's session.
func (e *Engine) SendPrivateMessage(ctx context.Context, sender types.Session, to string, p SendParams) (*types.Message, types.Session, error) {
	msg, err := e.newMessage(sender, p)
	if err != nil {
		return nil, types.Session{}, err
	}

	to = strings.TrimSpace(to)
	if to == sender.Username {
		return nil, types.Session{}, ErrSelfMessage
	}

	recipient, err := e.presence.FindOnlineByUsername(to)
	if err != nil {
		return nil, types.Session{}, ErrRecipientOffline
	}

	msg.Private = true
	msg.To = recipient.Username

	if err := e.store.InsertPrivateMessage(ctx, msg); err != nil {
		stored, err := e.existing(ctx, msg, err)
		return stored, recipient, err
	}

	e.presence.Touch(sender.ConnId)
	e.stats.Incr(stats.PrivateMessagesSent)
	return msg, recipient, nil
}

// existing resolves an insert error. A duplicate id from the same sender
// is a retried send and yields the stored record.
func (e *Engine) existing(ctx context.Context, msg *types.Message, insertErr error) (*types.Message, error) {
	if !errors.Is(insertErr, database.ErrDuplicate) {
		return nil, fmt.Errorf("store message: %w", insertErr)
	}

	stored, err := e.store.GetMessage(ctx, msg.Id)
	if err != nil {
		return nil, fmt.Errorf("load duplicate message: %w", err)
	}
	if stored.Username != msg.Username || stored.Private != msg.Private {
		return nil, fmt.Errorf("message id %q already in use: %w", msg.Id, insertErr)
	}

	e.log.Debug("duplicate send", "message_id", msg.Id, "username", msg.Username)
	return stored, nil
}

// MarkDelivered records that receiver got the message. It never moves the
// status backwards.
func (e *Engine) MarkDelivered(ctx context.Context, messageId string, receiver types.Session) (Ack, error) {
	return e.acknowledge(ctx, messageId, receiver, types.StatusDelivered)
}

// MarkRead records that receiver read the message, also recording the
// delivery if it never arrived.
func (e *Engine) MarkRead(ctx context.Context, messageId string, receiver types.Session) (Ack, error) {
	return e.acknowledge(ctx, messageId, receiver, types.StatusRead)
}

func (e *Engine) acknowledge(ctx context.Context, messageId string, receiver types.Session, status types.Status) (Ack, error) {
	unlock := e.locks.Lock(messageId)
	defer unlock()

	msg, err := e.store.GetMessage(ctx, messageId)
	if errors.Is(err, database.ErrNotFound) {
		return Ack{}, ErrMessageNotFound
	}
	if err != nil {
		return Ack{}, fmt.Errorf("load message: %w", err)
	}

	ack := Ack{Message: msg, SenderConnId: msg.SenderConnId}
	if receiver.ConnId == msg.SenderConnId {
		return ack, nil
	}
	// only the addressee acknowledges a private message
	if msg.Private && receiver.Username != msg.To {
		return ack, nil
	}

	receipt := types.Receipt{
		ConnId:    receiver.ConnId,
		Username:  receiver.Username,
		Timestamp: e.now(),
	}

	if !msg.HasDelivery(receiver.ConnId) {
		msg.DeliveredTo = append(msg.DeliveredTo, receipt)
		ack.Changed = true
	}
	if status == types.StatusRead && !msg.HasRead(receiver.ConnId) {
		msg.ReadBy = append(msg.ReadBy, receipt)
		ack.Changed = true
	}
	if msg.Status.Before(status) {
		msg.Status = status
		ack.Changed = true
	}

	if !ack.Changed {
		return ack, nil
	}

	if err := e.store.UpdateMessageReceipts(ctx, msg); err != nil {
		return Ack{}, fmt.Errorf("store receipts: %w", err)
	}

	e.stats.Incr(stats.Receipts)
	return ack, nil
}

// History returns the newest messages of a room, oldest first.
func (e *Engine) History(ctx context.Context, room string, limit int) ([]types.Message, error) {
	return e.store.GetRoomMessages(ctx, room, e.clampLimit(limit))
}

// PrivateHistory returns the newest messages between two users, oldest
// first.
func (e *Engine) PrivateHistory(ctx context.Context, userA, userB string, limit int) ([]types.Message, error) {
	return e.store.GetPrivateMessages(ctx, userA, userB, e.clampLimit(limit))
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 || limit > e.historyLimit {
		return e.historyLimit
	}
	return limit
}
