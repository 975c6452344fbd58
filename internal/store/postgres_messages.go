package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageSelect = `
	SELECT m.id, m.sender_id, m.room_id, m.parent_message_id, m.message,
		m.file_name, m.file_url, m.file_type, m.file_size, m.created_at,
		u.username, u.avatar_url,
		(SELECT COUNT(*) FROM messages r WHERE r.parent_message_id = m.id) AS thread_count,
		(SELECT MAX(r.created_at) FROM messages r WHERE r.parent_message_id = m.id) AS last_reply_at
	FROM messages m
	JOIN users u ON u.id = m.sender_id
`

type fileColumns struct {
	name, url, typ sql.NullString
	size           sql.NullInt64
}

func (f fileColumns) attachment() *Attachment {
	if !f.url.Valid || f.url.String == "" {
		return nil
	}
	return &Attachment{Name: f.name.String, URL: f.url.String, Type: f.typ.String, Size: f.size.Int64}
}

func fileArgs(file *Attachment) (any, any, any, any) {
	if file == nil || file.URL == "" {
		return nil, nil, nil, nil
	}
	return file.Name, file.URL, file.Type, file.Size
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		parentID  sql.NullInt64
		file      fileColumns
		lastReply sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.SenderID, &msg.RoomID, &parentID, &msg.Body,
		&file.name, &file.url, &file.typ, &file.size, &msg.CreatedAt,
		&msg.Username, &msg.AvatarURL, &msg.ThreadCount, &lastReply)
	if err != nil {
		return Message{}, err
	}
	if parentID.Valid {
		id := parentID.Int64
		msg.ParentMessageID = &id
	}
	if lastReply.Valid {
		t := lastReply.Time
		msg.LastReplyAt = &t
	}
	msg.File = file.attachment()
	return msg, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	name, url, typ, size := fileArgs(msg.File)
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, room_id, parent_message_id, message, file_name, file_url, file_type, file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, msg.SenderID, msg.RoomID, msg.ParentMessageID, msg.Body, name, url, typ, size).Scan(&id)
	if err != nil {
		return Message{}, wrapWriteError("insert message", err)
	}
	return s.GetMessage(ctx, id)
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id=$1`, messageID))
}

// ListRoomMessages returns the top-level messages of a room, oldest first.
func (s *PostgresStore) ListRoomMessages(ctx context.Context, roomID int64) ([]Message, error) {
	return s.queryMessages(ctx, messageSelect+`
		WHERE m.room_id=$1 AND m.parent_message_id IS NULL
		ORDER BY m.created_at ASC, m.id ASC
	`, roomID)
}

// ListThreadReplies returns the replies to a message, oldest first.
func (s *PostgresStore) ListThreadReplies(ctx context.Context, parentID int64) ([]Message, error) {
	return s.queryMessages(ctx, messageSelect+`
		WHERE m.parent_message_id=$1
		ORDER BY m.created_at ASC, m.id ASC
	`, parentID)
}

func (s *PostgresStore) ThreadStats(ctx context.Context, parentID int64) (int, time.Time, error) {
	var (
		count int
		last  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM messages WHERE parent_message_id=$1
	`, parentID).Scan(&count, &last)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("thread stats: %w", err)
	}
	return count, last.Time, nil
}

const directMessageSelect = `
	SELECT dm.id, dm.sender_id, dm.receiver_id, dm.message,
		dm.file_name, dm.file_url, dm.file_type, dm.file_size, dm.created_at,
		s.username, r.username
	FROM direct_messages dm
	JOIN users s ON s.id = dm.sender_id
	JOIN users r ON r.id = dm.receiver_id
`

func scanDirectMessage(row rowScanner) (DirectMessage, error) {
	var (
		msg  DirectMessage
		file fileColumns
	)
	err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Body,
		&file.name, &file.url, &file.typ, &file.size, &msg.CreatedAt,
		&msg.SenderUsername, &msg.ReceiverUsername)
	if err != nil {
		return DirectMessage{}, err
	}
	msg.File = file.attachment()
	return msg, nil
}

func (s *PostgresStore) InsertDirectMessage(ctx context.Context, msg DirectMessage) (DirectMessage, error) {
	name, url, typ, size := fileArgs(msg.File)
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO direct_messages (sender_id, receiver_id, message, file_name, file_url, file_type, file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, msg.SenderID, msg.ReceiverID, msg.Body, name, url, typ, size).Scan(&id)
	if err != nil {
		return DirectMessage{}, wrapWriteError("insert direct message", err)
	}
	return scanDirectMessage(s.db.QueryRowContext(ctx, directMessageSelect+` WHERE dm.id=$1`, id))
}

// ListDirectMessages returns both directions of a conversation, oldest first.
func (s *PostgresStore) ListDirectMessages(ctx context.Context, userID, otherUserID int64) ([]DirectMessage, error) {
	rows, err := s.db.QueryContext(ctx, directMessageSelect+`
		WHERE (dm.sender_id=$1 AND dm.receiver_id=$2) OR (dm.sender_id=$2 AND dm.receiver_id=$1)
		ORDER BY dm.created_at ASC, dm.id ASC
	`, userID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("list direct messages: %w", err)
	}
	defer rows.Close()

	messages := make([]DirectMessage, 0)
	for rows.Next() {
		msg, err := scanDirectMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan direct message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) InsertMentions(ctx context.Context, mentions []Mention) error {
	if len(mentions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mentions tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mentions (user_id, sender_id, room_id, message_id, direct_message_id)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("prepare mention insert: %w", err)
	}
	defer stmt.Close()

	for _, mention := range mentions {
		if _, err := stmt.ExecContext(ctx, mention.UserID, mention.SenderID, mention.RoomID, mention.MessageID, mention.DirectMessageID); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) MentionCounts(ctx context.Context, userID int64) (MentionCounts, error) {
	counts := MentionCounts{Rooms: map[int64]int{}, DirectMessages: map[int64]int{}}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, CASE WHEN direct_message_id IS NOT NULL THEN sender_id END, COUNT(*)
		FROM mentions
		WHERE user_id=$1 AND read_at IS NULL
		GROUP BY 1, 2
	`, userID)
	if err != nil {
		return counts, fmt.Errorf("mention counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roomID, senderID sql.NullInt64
			n                int
		)
		if err := rows.Scan(&roomID, &senderID, &n); err != nil {
			return counts, fmt.Errorf("scan mention count: %w", err)
		}
		switch {
		case roomID.Valid:
			counts.Rooms[roomID.Int64] += n
		case senderID.Valid:
			counts.DirectMessages[senderID.Int64] += n
		}
	}
	return counts, rows.Err()
}

func (s *PostgresStore) MarkRoomMentionsRead(ctx context.Context, userID, roomID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mentions SET read_at=NOW()
		WHERE user_id=$1 AND room_id=$2 AND read_at IS NULL
	`, userID, roomID)
	if err != nil {
		return 0, fmt.Errorf("mark room mentions read: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) MarkDirectMentionsRead(ctx context.Context, userID, senderID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mentions SET read_at=NOW()
		WHERE user_id=$1 AND sender_id=$2 AND direct_message_id IS NOT NULL AND read_at IS NULL
	`, userID, senderID)
	if err != nil {
		return 0, fmt.Errorf("mark direct mentions read: %w", err)
	}
	return result.RowsAffected()
}
