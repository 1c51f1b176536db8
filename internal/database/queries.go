package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	conversationColumns = "id, external_id, user_low_id, user_high_id, COALESCE(last_message_at, created_at), created_at"

	// messageSelect yields the columns scanned by scanMessage from a row
	// source aliased m.
	messageSelect = "SELECT m.id, m.conversation_id, c.external_id, m.sender_id, a.username, " +
		"m.content, m.message_type, m.is_read, m.created_at FROM %s m " +
		"JOIN conversations c ON c.id = m.conversation_id " +
		"JOIN accounts a ON a.id = m.sender_id"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.UserLowId,
		&c.UserHighId,
		&c.LastMessageAt,
		&c.CreatedAt,
	)
	return c, err
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.ConversationExternalId,
		&m.SenderId,
		&m.SenderName,
		&m.Content,
		&m.MessageType,
		&m.IsRead,
		&m.CreatedAt,
	)
	return m, err
}

func orderedPair(a, b int) (int, int) {
	if a < b {
		return a, b
	}
	return b, a
}

func (db *PgChatRepository) GetUserById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, avatar_url, tier, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.AvatarUrl,
		&u.Tier,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetConversationByExternalId(ctx context.Context, externalId string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return scanConversation(row)
}

func (db *PgChatRepository) getConversationByPair(ctx context.Context, low, high int) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE user_low_id = $1 AND user_high_id = $2 LIMIT 1",
		low,
		high,
	)

	return scanConversation(row)
}

func (db *PgChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error) {
	if params.UserId == params.PeerId {
		return Conversation{}, false, fmt.Errorf("conversation participants must differ")
	}
	low, high := orderedPair(params.UserId, params.PeerId)

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO conversations (external_id, user_low_id, user_high_id, created_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT (user_low_id, user_high_id) DO NOTHING "+
			"RETURNING "+conversationColumns,
		params.ExternalId,
		low,
		high,
		time.Now().UTC(),
	)

	conv, err := scanConversation(row)
	switch {
	case err == nil:
		return conv, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// pair already exists
		conv, err = db.getConversationByPair(ctx, low, high)
		return conv, false, err
	case isUniqueViolation(err):
		return Conversation{}, false, ErrConflict
	default:
		return Conversation{}, false, err
	}
}

func (db *PgChatRepository) ListConversations(ctx context.Context, userId int) ([]ConversationSummary, error) {
	query := `
		SELECT
				c.id, c.external_id, c.user_low_id, c.user_high_id,
				COALESCE(c.last_message_at, c.created_at), c.created_at,
				p.id, p.username, p.avatar_url,
				lm.id, lm.sender_id, ls.username, lm.content, lm.message_type, lm.is_read, lm.created_at,
				(SELECT COUNT(*) FROM messages u
					WHERE u.conversation_id = c.id AND u.sender_id <> $1 AND NOT u.is_read)
		FROM conversations c
		JOIN accounts p ON p.id = CASE WHEN c.user_low_id = $1 THEN c.user_high_id ELSE c.user_low_id END
		LEFT JOIN LATERAL (
				SELECT id, sender_id, content, message_type, is_read, created_at FROM messages
				WHERE conversation_id = c.id ORDER BY id DESC LIMIT 1
		) lm ON true
		LEFT JOIN accounts ls ON ls.id = lm.sender_id
		WHERE c.user_low_id = $1 OR c.user_high_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC;
`

	rows, err := db.conn.QueryContext(ctx, query, userId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]ConversationSummary, 0)
	for rows.Next() {
		var (
			s          ConversationSummary
			msgId      sql.NullInt64
			senderId   sql.NullInt64
			senderName sql.NullString
			content    sql.NullString
			msgType    sql.NullString
			isRead     sql.NullBool
			createdAt  sql.NullTime
		)

		err := rows.Scan(
			&s.Id,
			&s.ExternalId,
			&s.UserLowId,
			&s.UserHighId,
			&s.LastMessageAt,
			&s.CreatedAt,
			&s.Peer.Id,
			&s.Peer.Username,
			&s.Peer.AvatarUrl,
			&msgId,
			&senderId,
			&senderName,
			&content,
			&msgType,
			&isRead,
			&createdAt,
			&s.UnreadCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if msgId.Valid {
			s.LastMessage = &Message{
				Id:                     int(msgId.Int64),
				ConversationId:         s.Id,
				ConversationExternalId: s.ExternalId,
				SenderId:               int(senderId.Int64),
				SenderName:             senderName.String,
				Content:                content.String,
				MessageType:            msgType.String,
				IsRead:                 isRead.Bool,
				CreatedAt:              createdAt.Time,
			}
		}

		convs = append(convs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return convs, nil
}

// CreateMessage stores the message and bumps the conversation's last activity
// in one transaction.
func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (msg Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(
			"WITH ins AS (INSERT INTO messages (conversation_id, sender_id, content, message_type, created_at) "+
				"VALUES ($1, $2, $3, $4, $5) RETURNING *) "+messageSelect,
			"ins",
		),
		params.ConversationId,
		params.SenderId,
		params.Content,
		params.MessageType,
		now,
	)
	if msg, err = scanMessage(row); err != nil {
		return Message{}, err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_at = $1 WHERE id = $2",
		now,
		params.ConversationId,
	)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessageById(ctx context.Context, id int) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(messageSelect, "messages")+" WHERE m.id = $1",
		id,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) TombstoneMessage(ctx context.Context, id int, content string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(
			"WITH upd AS (UPDATE messages SET content = $2, message_type = 'deleted' "+
				"WHERE id = $1 RETURNING *) "+messageSelect,
			"upd",
		),
		id,
		content,
	)

	return scanMessage(row)
}

// MarkMessagesRead marks the peer's unread messages in the conversation as
// read and returns how many changed.
func (db *PgChatRepository) MarkMessagesRead(ctx context.Context, conversationId, readerId int) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE "+
			"WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read",
		conversationId,
		readerId,
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func (db *PgChatRepository) CountUnread(ctx context.Context, conversationId, userId int) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages "+
			"WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read",
		conversationId,
		userId,
	)

	var n int
	err := row.Scan(&n)
	return n, err
}

// GetMessages returns up to limit messages older than before (or the newest
// when before is 0), oldest first.
func (db *PgChatRepository) GetMessages(ctx context.Context, conversationId, before, limit int) ([]Message, error) {
	if before <= 0 {
		before = 1<<31 - 1
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx,
		fmt.Sprintf(messageSelect, "messages")+
			" WHERE m.conversation_id = $1 AND m.id < $2 ORDER BY m.id DESC LIMIT $3",
		conversationId,
		before,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PgChatRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO notifications (account_id, type, title, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, account_id, type, title, content, is_read, created_at",
		params.AccountId,
		params.Type,
		params.Title,
		params.Content,
		time.Now().UTC(),
	)

	var n Notification
	err := row.Scan(&n.Id, &n.AccountId, &n.Type, &n.Title, &n.Content, &n.IsRead, &n.CreatedAt)
	return n, err
}

func (db *PgChatRepository) ListNotifications(ctx context.Context, userId, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, account_id, type, title, content, is_read, created_at FROM notifications "+
			"WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		userId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.Id, &n.AccountId, &n.Type, &n.Title, &n.Content, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// GetUsageCount returns 0 when no usage was recorded for the period.
func (db *PgChatRepository) GetUsageCount(ctx context.Context, userId int, action, period string) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT count FROM usage_counters WHERE account_id = $1 AND action = $2 AND period = $3",
		userId,
		action,
		period,
	)

	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	return n, nil
}

func (db *PgChatRepository) IncrementUsage(ctx context.Context, userId int, action, period string) (int, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO usage_counters (account_id, action, period, count, updated_at) VALUES ($1, $2, $3, 1, $4) "+
			"ON CONFLICT (account_id, action, period) DO UPDATE "+
			"SET count = usage_counters.count + 1, updated_at = EXCLUDED.updated_at RETURNING count",
		userId,
		action,
		period,
		time.Now().UTC(),
	)

	var n int
	err := row.Scan(&n)
	return n, err
}
