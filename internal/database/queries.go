package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, display_name, avatar_color, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id, username, display_name, avatar_color, email, created_at, updated_at",
		params.Username,
		params.DisplayName,
		params.AvatarColor,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.DisplayName,
		&a.AvatarColor,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgChatRepository) GetAccountById(accountId int) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, display_name, avatar_color, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.DisplayName,
		&a.AvatarColor,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, display_name, avatar_color, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.DisplayName,
		&a.AvatarColor,
		&a.EmailAddress,
		&a.PasswordHash,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgChatRepository) ListAccounts() ([]Account, error) {
	rows, err := db.conn.Query(
		"SELECT id, username, display_name, avatar_color FROM accounts ORDER BY display_name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err = rows.Scan(&a.Id, &a.Username, &a.DisplayName, &a.AvatarColor); err != nil {
			break
		}

		accounts = append(accounts, a)
	}

	return accounts, err
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, is_private, last_message_at, created_at, updated_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.IsPrivate,
		&room.LastMessageAt,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (external_id, name, is_private, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, external_id, name, is_private, last_message_at, created_at, updated_at",
		params.ExternalId,
		params.Name,
		params.IsPrivate,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.IsPrivate,
		&room.LastMessageAt,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	for _, accountId := range params.ParticipantIds {
		_, err = tx.Exec(
			"INSERT INTO room_participants (room_id, account_id, created_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT DO NOTHING",
			room.Id,
			accountId,
			time.Now().UTC(),
		)
		if err != nil {
			return Room{}, err
		}

		_, err = tx.Exec(
			"INSERT INTO account_rooms (account_id, room_id, created_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT DO NOTHING",
			accountId,
			room.Id,
			time.Now().UTC(),
		)
		if err != nil {
			return Room{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgChatRepository) AddAccountRoom(accountId, roomId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO account_rooms (account_id, room_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT DO NOTHING",
		accountId,
		roomId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) AddRoomParticipant(roomId, accountId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_participants (room_id, account_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT DO NOTHING",
		roomId,
		accountId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) ListAccountRooms(accountId int) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT r.id, r.external_id, r.name, r.is_private, r.last_message_at FROM account_rooms ar "+
			"JOIN rooms r ON r.id = ar.room_id WHERE ar.account_id = $1",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err = rows.Scan(&room.Id, &room.ExternalId, &room.Name, &room.IsPrivate, &room.LastMessageAt); err != nil {
			break
		}

		rooms = append(rooms, room)
	}

	return rooms, err
}

func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	var toAccount sql.NullInt64
	if params.ToAccount != 0 {
		toAccount = sql.NullInt64{Int64: int64(params.ToAccount), Valid: true}
	}

	// the sender is a reader of their own message from the start
	res := db.conn.QueryRow(
		"INSERT INTO messages (external_id, room_id, from_account, from_name, to_account, body, correlation_id, read_by, ack_state, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) "+
			"RETURNING id, external_id, room_id, from_account, from_name, to_account, body, correlation_id, read_by, ack_state, created_at",
		params.ExternalId,
		params.RoomId,
		params.FromAccount,
		params.FromName,
		toAccount,
		params.Body,
		params.CorrelationId,
		pq.Array([]int64{int64(params.FromAccount)}),
		params.AckState,
		params.CreatedAt,
	)

	return scanMessage(res)
}

func (db *PgChatRepository) GetMessageByExternalId(externalId string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT m.id, m.external_id, m.room_id, m.from_account, m.from_name, m.to_account, m.body, m.correlation_id, m.read_by, m.ack_state, m.created_at, r.external_id "+
			"FROM messages m JOIN rooms r ON r.id = m.room_id WHERE m.external_id = $1 LIMIT 1",
		externalId,
	)

	var (
		msg       Message
		toAccount sql.NullInt64
		readBy    pq.Int64Array
	)

	err := row.Scan(
		&msg.Id,
		&msg.ExternalId,
		&msg.RoomId,
		&msg.FromAccount,
		&msg.FromName,
		&toAccount,
		&msg.Body,
		&msg.CorrelationId,
		&readBy,
		&msg.AckState,
		&msg.CreatedAt,
		&msg.RoomExternalId,
	)
	if err != nil {
		return Message{}, err
	}

	if toAccount.Valid {
		msg.ToAccount = int(toAccount.Int64)
	}

	msg.ReadBy = make([]int, len(readBy))
	for i, id := range readBy {
		msg.ReadBy[i] = int(id)
	}

	return msg, nil
}

// AddMessageReader adds accountId to the message's reader set and marks the
// message read. The update is a no-op when the account is already a reader,
// so the reader set only ever grows. Returns whether a row changed.
func (db *PgChatRepository) AddMessageReader(messageId, accountId int) (bool, error) {
	res, err := db.conn.Exec(
		"UPDATE messages SET read_by = array_append(read_by, $2), ack_state = $3 "+
			"WHERE id = $1 AND NOT ($2 = ANY(read_by))",
		messageId,
		accountId,
		"read",
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *PgChatRepository) TouchRoomActivity(roomId int, ts time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE rooms SET last_message_at = $2, updated_at = $2 WHERE id = $1",
		roomId,
		ts,
	)

	return err
}

// ListMessages returns up to limit messages created strictly before the
// cursor, in ascending chronological order.
func (db *PgChatRepository) ListMessages(roomId int, before time.Time, limit int) ([]Message, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		"SELECT id, external_id, room_id, from_account, from_name, to_account, body, correlation_id, read_by, ack_state, created_at "+
			"FROM (SELECT * FROM messages WHERE room_id = $1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3) page "+
			"ORDER BY created_at ASC",
		roomId,
		before,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) CountUnread(roomId, accountId int) (int, error) {
	row := db.conn.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE room_id = $1 AND NOT ($2 = ANY(read_by))",
		roomId,
		accountId,
	)

	var count int
	err := row.Scan(&count)

	return count, err
}

func (db *PgChatRepository) MarkRoomRead(roomId, accountId int) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET read_by = array_append(read_by, $2), ack_state = $3 "+
			"WHERE room_id = $1 AND NOT ($2 = ANY(read_by))",
		roomId,
		accountId,
		"read",
	)

	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		toAccount sql.NullInt64
		readBy    pq.Int64Array
	)

	err := row.Scan(
		&msg.Id,
		&msg.ExternalId,
		&msg.RoomId,
		&msg.FromAccount,
		&msg.FromName,
		&toAccount,
		&msg.Body,
		&msg.CorrelationId,
		&readBy,
		&msg.AckState,
		&msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if toAccount.Valid {
		msg.ToAccount = int(toAccount.Int64)
	}

	msg.ReadBy = make([]int, len(readBy))
	for i, id := range readBy {
		msg.ReadBy[i] = int(id)
	}

	return msg, nil
}
