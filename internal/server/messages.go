package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/delivery"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

var (
	ErrNotRegistered = errors.New("must register")
	ErrRateLimited   = errors.New("too many requests")
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound frame. Exactly one payload is set.
type ClientMessage struct {
	BaseMessage
	Register       *Register       `json:"register,omitempty"`
	Message        *Publish        `json:"message,omitempty"`
	PrivateMessage *PrivatePublish `json:"private_message,omitempty"`
	Delivered      *Receipt        `json:"delivered,omitempty"`
	Read           *Receipt        `json:"read,omitempty"`
	Typing         *Typing         `json:"typing,omitempty"`
	History        *HistoryRequest `json:"history,omitempty"`
}

type Register struct {
	Username string `json:"username"`
	Room     string `json:"room"`
	Avatar   string `json:"avatar"`
}

type Publish struct {
	Body      string `json:"body"`
	Image     string `json:"image,omitempty"`
	Room      string `json:"room,omitempty"`
	MessageId string `json:"message_id,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

type PrivatePublish struct {
	Body      string `json:"body"`
	Image     string `json:"image,omitempty"`
	To        string `json:"to"`
	MessageId string `json:"message_id,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

type Receipt struct {
	MessageId string `json:"message_id"`
}

type Typing struct {
	IsTyping bool `json:"is_typing"`
	// To names a user for a private typing indicator. Empty means the room.
	To string `json:"to,omitempty"`
}

type HistoryRequest struct {
	// With selects the private conversation with that user instead of the
	// room history.
	With  string `json:"with,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	History      *History       `json:"history,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type History struct {
	Room     string          `json:"room,omitempty"`
	With     string          `json:"with,omitempty"`
	Messages []types.Message `json:"messages"`
}

type Notification struct {
	UserJoined *PresenceChange  `json:"user_joined,omitempty"`
	UserLeft   *PresenceChange  `json:"user_left,omitempty"`
	Roster     *Roster          `json:"roster,omitempty"`
	Typing     *TypingIndicator `json:"typing,omitempty"`
	Delivered  *ReceiptNotice   `json:"delivered,omitempty"`
	Read       *ReceiptNotice   `json:"read,omitempty"`
}

type PresenceChange struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Room     string `json:"room"`
	Text     string `json:"text"`
}

type Roster struct {
	Room  string              `json:"room"`
	Users []types.RosterEntry `json:"users"`
}

type TypingIndicator struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	IsTyping bool   `json:"is_typing"`
	Private  bool   `json:"private,omitempty"`
}

type ReceiptNotice struct {
	MessageId string       `json:"message_id"`
	Username  string       `json:"username"`
	Status    types.Status `json:"status"`
}

func newServerMessage(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	msg := newServerMessage(id)
	msg.Response = &Response{
		ResponseCode: http.StatusOK,
		Data:         data,
	}
	return msg
}

func NoErrAccepted(id int, data any) *ServerMessage {
	msg := newServerMessage(id)
	msg.Response = &Response{
		ResponseCode: http.StatusAccepted,
		Data:         data,
	}
	return msg
}

func errResponse(id, code int, text string) *ServerMessage {
	msg := newServerMessage(id)
	msg.Response = &Response{
		ResponseCode: code,
		Error:        text,
	}
	return msg
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format")
}

func ErrMustRegister(id int) *ServerMessage {
	return errResponse(id, http.StatusUnauthorized, ErrNotRegistered.Error())
}

func ErrTooManyRequests(id int) *ServerMessage {
	return errResponse(id, http.StatusTooManyRequests, ErrRateLimited.Error())
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

// responseCode maps an event error to the code reported to the caller.
func responseCode(err error) int {
	switch {
	case errors.Is(err, presence.ErrInvalidUsername),
		errors.Is(err, presence.ErrAlreadyRegistered),
		errors.Is(err, delivery.ErrEmptyPayload),
		errors.Is(err, delivery.ErrWrongRoom),
		errors.Is(err, delivery.ErrSelfMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotRegistered):
		return http.StatusUnauthorized
	case errors.Is(err, presence.ErrDuplicateUsername),
		errors.Is(err, database.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, delivery.ErrMessageNotFound),
		errors.Is(err, delivery.ErrRecipientOffline):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse converts err into a response. Unexpected errors are not
// described to the client.
func ErrorResponse(id int, err error) *ServerMessage {
	code := responseCode(err)
	switch code {
	case http.StatusInternalServerError:
		return ErrInternalError(id)
	case http.StatusConflict:
		if errors.Is(err, database.ErrDuplicate) {
			return errResponse(id, code, "message id already in use")
		}
	}
	return errResponse(id, code, err.Error())
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
