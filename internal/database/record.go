package database

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

// The wire types hide connection ids from clients, so stores encode
// through these records to keep them.

type receiptRecord struct {
	ConnId    string    `json:"conn_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type messageRecord struct {
	Id           string          `json:"id"`
	Private      bool            `json:"private"`
	Room         string          `json:"room,omitempty"`
	To           string          `json:"to,omitempty"`
	Username     string          `json:"username"`
	SenderConnId string          `json:"sender_conn_id"`
	Body         string          `json:"body,omitempty"`
	Image        string          `json:"image,omitempty"`
	Avatar       string          `json:"avatar,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Status       types.Status    `json:"status"`
	DeliveredTo  []receiptRecord `json:"delivered_to"`
	ReadBy       []receiptRecord `json:"read_by"`
}

type userRecord struct {
	ConnId   string    `json:"conn_id"`
	Username string    `json:"username"`
	Room     string    `json:"room"`
	Avatar   string    `json:"avatar"`
	Online   bool      `json:"online"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

func toReceiptRecords(in []types.Receipt) []receiptRecord {
	out := make([]receiptRecord, len(in))
	for i, r := range in {
		out[i] = receiptRecord(r)
	}
	return out
}

func fromReceiptRecords(in []receiptRecord) []types.Receipt {
	out := make([]types.Receipt, len(in))
	for i, r := range in {
		out[i] = types.Receipt(r)
	}
	return out
}

func encodeReceipts(in []types.Receipt) ([]byte, error) {
	return json.Marshal(toReceiptRecords(in))
}

func decodeReceipts(raw []byte) ([]types.Receipt, error) {
	if len(raw) == 0 {
		return []types.Receipt{}, nil
	}

	var recs []receiptRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, err
	}
	return fromReceiptRecords(recs), nil
}

func encodeMessage(m *types.Message) ([]byte, error) {
	return json.Marshal(messageRecord{
		Id:           m.Id,
		Private:      m.Private,
		Room:         m.Room,
		To:           m.To,
		Username:     m.Username,
		SenderConnId: m.SenderConnId,
		Body:         m.Body,
		Image:        m.Image,
		Avatar:       m.Avatar,
		CreatedAt:    m.CreatedAt,
		Status:       m.Status,
		DeliveredTo:  toReceiptRecords(m.DeliveredTo),
		ReadBy:       toReceiptRecords(m.ReadBy),
	})
}

func decodeMessage(raw []byte) (*types.Message, error) {
	var rec messageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}

	return &types.Message{
		Id:           rec.Id,
		Private:      rec.Private,
		Room:         rec.Room,
		To:           rec.To,
		Username:     rec.Username,
		SenderConnId: rec.SenderConnId,
		Body:         rec.Body,
		Image:        rec.Image,
		Avatar:       rec.Avatar,
		CreatedAt:    rec.CreatedAt,
		Status:       rec.Status,
		DeliveredTo:  fromReceiptRecords(rec.DeliveredTo),
		ReadBy:       fromReceiptRecords(rec.ReadBy),
	}, nil
}

func encodeUser(u types.User) ([]byte, error) {
	return json.Marshal(userRecord(u))
}

func decodeUser(raw []byte) (types.User, error) {
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.User{}, err
	}
	return types.User(rec), nil
}
