package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	uniqueViolation = "23505"

	roomMessageColumns    = "id, FALSE, room, '', username, sender_conn_id, body, image, avatar, status, delivered_to, read_by, created_at"
	privateMessageColumns = "id, TRUE, '', recipient, username, sender_conn_id, body, image, avatar, status, delivered_to, read_by, created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*types.Message, error) {
	var (
		msg         types.Message
		status      string
		deliveredTo []byte
		readBy      []byte
	)

	err := row.Scan(
		&msg.Id,
		&msg.Private,
		&msg.Room,
		&msg.To,
		&msg.Username,
		&msg.SenderConnId,
		&msg.Body,
		&msg.Image,
		&msg.Avatar,
		&status,
		&deliveredTo,
		&readBy,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Status = types.Status(status)
	if msg.DeliveredTo, err = decodeReceipts(deliveredTo); err != nil {
		return nil, fmt.Errorf("decode delivered_to: %w", err)
	}
	if msg.ReadBy, err = decodeReceipts(readBy); err != nil {
		return nil, fmt.Errorf("decode read_by: %w", err)
	}

	return &msg, nil
}

func translateInsertErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (db *PgStore) InsertRoomMessage(ctx context.Context, msg *types.Message) error {
	deliveredTo, readBy, err := encodeReceiptColumns(msg)
	if err != nil {
		return err
	}

	return db.insertMessage(ctx,
		"INSERT INTO messages (id, room, username, sender_conn_id, body, image, avatar, status, delivered_to, read_by, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		msg.Id,
		msg.Room,
		msg.Username,
		msg.SenderConnId,
		msg.Body,
		msg.Image,
		msg.Avatar,
		string(msg.Status),
		deliveredTo,
		readBy,
		msg.CreatedAt,
	)
}

func (db *PgStore) InsertPrivateMessage(ctx context.Context, msg *types.Message) error {
	deliveredTo, readBy, err := encodeReceiptColumns(msg)
	if err != nil {
		return err
	}

	return db.insertMessage(ctx,
		"INSERT INTO private_messages (id, username, recipient, sender_conn_id, body, image, avatar, status, delivered_to, read_by, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		msg.Id,
		msg.Username,
		msg.To,
		msg.SenderConnId,
		msg.Body,
		msg.Image,
		msg.Avatar,
		string(msg.Status),
		deliveredTo,
		readBy,
		msg.CreatedAt,
	)
}

// insertMessage claims the id in message_ids before writing the row, so a
// room message and a private message can never share an id.
func (db *PgStore) insertMessage(ctx context.Context, query, id string, args ...any) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "INSERT INTO message_ids (id) VALUES ($1)", id); err != nil {
		return translateInsertErr(err)
	}
	if _, err = tx.ExecContext(ctx, query, append([]any{id}, args...)...); err != nil {
		return translateInsertErr(err)
	}

	return tx.Commit()
}

func encodeReceiptColumns(msg *types.Message) (string, string, error) {
	deliveredTo, err := encodeReceipts(msg.DeliveredTo)
	if err != nil {
		return "", "", err
	}
	readBy, err := encodeReceipts(msg.ReadBy)
	if err != nil {
		return "", "", err
	}
	return string(deliveredTo), string(readBy), nil
}

func (db *PgStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomMessageColumns+" FROM messages WHERE id = $1 "+
			"UNION ALL "+
			"SELECT "+privateMessageColumns+" FROM private_messages WHERE id = $1 "+
			"LIMIT 1",
		id,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (db *PgStore) UpdateMessageReceipts(ctx context.Context, msg *types.Message) error {
	deliveredTo, readBy, err := encodeReceiptColumns(msg)
	if err != nil {
		return err
	}

	table := "messages"
	if msg.Private {
		table = "private_messages"
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE "+table+" SET status = $2, delivered_to = $3, read_by = $4 WHERE id = $1",
		msg.Id,
		string(msg.Status),
		deliveredTo,
		readBy,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PgStore) GetRoomMessages(ctx context.Context, room string, limit int) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomMessageColumns+" FROM messages "+
			"WHERE room = $1 ORDER BY created_at DESC LIMIT $2",
		room,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}

	return collectMessages(rows)
}

func (db *PgStore) GetPrivateMessages(ctx context.Context, userA, userB string, limit int) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+privateMessageColumns+" FROM private_messages "+
			"WHERE (username = $1 AND recipient = $2) OR (username = $2 AND recipient = $1) "+
			"ORDER BY created_at DESC LIMIT $3",
		userA,
		userB,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}

	return collectMessages(rows)
}

// collectMessages reads newest-first rows and returns them oldest first.
func collectMessages(rows *sql.Rows) ([]types.Message, error) {
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, *msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (db *PgStore) UpsertUser(ctx context.Context, user types.User) error {
	var lastSeen sql.NullTime
	if !user.LastSeen.IsZero() {
		lastSeen = sql.NullTime{Time: user.LastSeen, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (conn_id, username, room, avatar, online, joined_at, last_seen) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"ON CONFLICT (conn_id) DO UPDATE SET username = EXCLUDED.username, room = EXCLUDED.room, "+
			"avatar = EXCLUDED.avatar, online = EXCLUDED.online, joined_at = EXCLUDED.joined_at, last_seen = EXCLUDED.last_seen",
		user.ConnId,
		user.Username,
		user.Room,
		user.Avatar,
		user.Online,
		user.JoinedAt,
		lastSeen,
	)

	return err
}

func (db *PgStore) UpdateUserStatus(ctx context.Context, connId string, online bool, lastSeen time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE users SET online = $2, last_seen = $3 WHERE conn_id = $1",
		connId,
		online,
		lastSeen,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PgStore) GetOnlineUsers(ctx context.Context, room string) ([]types.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT conn_id, username, room, avatar, online, joined_at, last_seen FROM users "+
			"WHERE room = $1 AND online ORDER BY joined_at DESC",
		room,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		var (
			u        types.User
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&u.ConnId, &u.Username, &u.Room, &u.Avatar, &u.Online, &u.JoinedAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		u.LastSeen = lastSeen.Time
		users = append(users, u)
	}

	return users, rows.Err()
}
