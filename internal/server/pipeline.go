package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/stats"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/npezzotti/skillswap-chat/internal/usage"
)

const notificationPreviewLen = 100

func (cs *ChatServer) validateContent(content, msgType string) (string, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > cs.opts.MaxContentLen {
		return "", "", fmt.Errorf("%w: content longer than %d characters", ErrInvalidMessage, cs.opts.MaxContentLen)
	}

	switch msgType {
	case "":
		msgType = types.MessageTypeText
	case types.MessageTypeText:
	default:
		return "", "", fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, msgType)
	}

	return content, msgType, nil
}

// sendMessage persists a message from c and fans it out. Nothing is
// broadcast unless the message was stored.
func (cs *ChatServer) sendMessage(ctx context.Context, c *Client, conv database.Conversation, content, msgType string) (types.Message, error) {
	if !conv.HasParticipant(c.user.Id) {
		return types.Message{}, fmt.Errorf("%w: conversation %s", ErrNotAParticipant, conv.ExternalId)
	}

	content, msgType, err := cs.validateContent(content, msgType)
	if err != nil {
		return types.Message{}, err
	}

	status, err := cs.usage.CheckUsageLimit(ctx, c.user.Id, usage.ActionMessage)
	if err != nil {
		return types.Message{}, fmt.Errorf("check usage limit: %w", err)
	}
	if !status.Allowed {
		cs.stats.Incr(stats.QuotaRejections)
		c.queueMessage(event(types.EventMessageLimitReached, types.LimitReached{
			Message: fmt.Sprintf("You have reached your monthly limit of %d messages. Upgrade your plan to keep chatting.", status.Limit),
		}))
		return types.Message{}, ErrQuotaExceeded
	}

	unlock := cs.lockConversation(conv.ExternalId)
	dbMsg, err := cs.db.CreateMessage(ctx, database.CreateMessageParams{
		ConversationId: conv.Id,
		SenderId:       c.user.Id,
		Content:        content,
		MessageType:    msgType,
	})
	if err != nil {
		unlock()
		return types.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	cs.stats.Incr(stats.MessagesPersisted)

	msg := ToMessage(dbMsg)
	cs.router.Broadcast(conv.ExternalId, event(types.EventNewMessage, msg), skipNone)
	unlock()

	if _, err := cs.usage.UpdateUsageTracking(ctx, c.user.Id, usage.ActionMessage); err != nil {
		c.log.Error().Err(err).Msg("failed to update usage tracking")
	}

	cs.notifyRecipient(ctx, c, conv, msg)

	return msg, nil
}

// notifyRecipient stores a notification for an offline recipient, pushes one
// to an online recipient that has the conversation closed, and always sends
// the recipient a conversation_updated event.
func (cs *ChatServer) notifyRecipient(ctx context.Context, c *Client, conv database.Conversation, msg types.Message) {
	recipient := conv.OtherParticipant(c.user.Id)
	log := c.log.With().Str("conversation_id", conv.ExternalId).Int("recipient_id", recipient).Logger()

	title := fmt.Sprintf("New message from %s", c.user.Username)
	preview := truncate(msg.Content, notificationPreviewLen)

	conns := cs.registry.UserConnections(recipient)
	if len(conns) == 0 {
		_, err := cs.db.CreateNotification(ctx, database.CreateNotificationParams{
			AccountId: recipient,
			Type:      database.NotificationTypeMessage,
			Title:     title,
			Content:   preview,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to create notification")
		}
	} else if !anyJoined(cs.router, conns, conv.ExternalId) {
		cs.router.BroadcastToUser(recipient, event(types.EventNotification, types.NotificationEvent{
			Title:   title,
			Content: preview,
		}))
	}

	unread, err := cs.db.CountUnread(ctx, conv.Id, recipient)
	if err != nil {
		log.Error().Err(err).Msg("failed to count unread messages")
		return
	}

	cs.router.BroadcastToUser(recipient, event(types.EventConversationUpdated, types.ConversationUpdated{
		ConversationId: conv.ExternalId,
		LastMessage:    &msg,
		UnreadCount:    unread,
	}))
}

func anyJoined(rr *RoomRouter, conns []*Client, conversationId string) bool {
	for _, c := range conns {
		if rr.IsMember(c, conversationId) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// deleteMessage tombstones a message of c. Deleting an already deleted
// message succeeds without further effect.
func (cs *ChatServer) deleteMessage(ctx context.Context, c *Client, messageId int) (types.MessageDeleted, error) {
	msg, err := cs.db.GetMessageById(ctx, messageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.MessageDeleted{}, fmt.Errorf("%w: message %d", ErrNotFound, messageId)
		}
		return types.MessageDeleted{}, fmt.Errorf("get message: %w", err)
	}

	if msg.SenderId != c.user.Id {
		return types.MessageDeleted{}, fmt.Errorf("%w: message %d", ErrNotAuthorized, messageId)
	}

	deleted := types.MessageDeleted{Id: msg.Id, ConversationId: msg.ConversationExternalId}
	if msg.MessageType == types.MessageTypeDeleted {
		return deleted, nil
	}

	unlock := cs.lockConversation(msg.ConversationExternalId)
	defer unlock()

	if _, err := cs.db.TombstoneMessage(ctx, msg.Id, types.DeletedMessageContent); err != nil {
		return types.MessageDeleted{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	cs.router.Broadcast(msg.ConversationExternalId, event(types.EventMessageDeleted, deleted), skipNone)

	return deleted, nil
}
