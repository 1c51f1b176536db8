package database

import "context"

// ChatRepository is the persistence interface of the chat service.
// Lookups of missing rows return sql.ErrNoRows.
type ChatRepository interface {
	Ping(ctx context.Context) error
	GetUserById(ctx context.Context, id int) (User, error)
	GetConversationByExternalId(ctx context.Context, externalId string) (Conversation, error)
	// CreateConversation returns the existing conversation for the pair if
	// there is one, with created set to false.
	CreateConversation(ctx context.Context, params CreateConversationParams) (conv Conversation, created bool, err error)
	ListConversations(ctx context.Context, userId int) ([]ConversationSummary, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessageById(ctx context.Context, id int) (Message, error)
	TombstoneMessage(ctx context.Context, id int, content string) (Message, error)
	MarkMessagesRead(ctx context.Context, conversationId, readerId int) (int, error)
	CountUnread(ctx context.Context, conversationId, userId int) (int, error)
	GetMessages(ctx context.Context, conversationId, before, limit int) ([]Message, error)
	CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error)
	ListNotifications(ctx context.Context, userId, limit int) ([]Notification, error)
	GetUsageCount(ctx context.Context, userId int, action, period string) (int, error)
	IncrementUsage(ctx context.Context, userId int, action, period string) (int, error)
}
