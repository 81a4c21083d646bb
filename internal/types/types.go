package types

import (
	"time"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// rank orders statuses so transitions can be checked for monotonicity.
func (s Status) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Before reports whether s comes earlier than o in sent -> delivered -> read.
func (s Status) Before(o Status) bool {
	return s.rank() < o.rank()
}

// Session is the server-side record of one live connection.
type Session struct {
	ConnId     string    `json:"-"`
	Username   string    `json:"username"`
	Room       string    `json:"room"`
	Avatar     string    `json:"avatar"`
	JoinedAt   time.Time `json:"joined_at"`
	LastActive time.Time `json:"-"`
	Online     bool      `json:"online"`
}

func (s Session) Registered() bool {
	return s.Username != ""
}

type User struct {
	ConnId   string    `json:"-"`
	Username string    `json:"username"`
	Room     string    `json:"room"`
	Avatar   string    `json:"avatar"`
	Online   bool      `json:"online"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type RosterEntry struct {
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
	Avatar   string    `json:"avatar"`
}

type Receipt struct {
	ConnId    string    `json:"-"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a room or private chat message. Room is set for room
// messages, To for private ones.
type Message struct {
	Id           string    `json:"id"`
	Private      bool      `json:"private"`
	Room         string    `json:"room,omitempty"`
	To           string    `json:"to,omitempty"`
	Username     string    `json:"username"`
	SenderConnId string    `json:"-"`
	Body         string    `json:"message,omitempty"`
	Image        string    `json:"image,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	CreatedAt    time.Time `json:"timestamp"`
	Status       Status    `json:"status"`
	DeliveredTo  []Receipt `json:"delivered_to"`
	ReadBy       []Receipt `json:"read_by"`
}

// Clone returns a deep copy so callers can mutate receipts without
// racing readers of the original.
func (m *Message) Clone() *Message {
	c := *m
	c.DeliveredTo = append([]Receipt(nil), m.DeliveredTo...)
	c.ReadBy = append([]Receipt(nil), m.ReadBy...)
	return &c
}

func (m *Message) HasDelivery(connId string) bool {
	for _, r := range m.DeliveredTo {
		if r.ConnId == connId {
			return true
		}
	}
	return false
}

func (m *Message) HasRead(connId string) bool {
	for _, r := range m.ReadBy {
		if r.ConnId == connId {
			return true
		}
	}
	return false
}
