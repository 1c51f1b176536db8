package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) GetUserById(ctx context.Context, id int) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetConversationByExternalId(ctx context.Context, externalId string) (Conversation, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Conversation), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) ListConversations(ctx context.Context, userId int) ([]ConversationSummary, error) {
	args := m.Called(ctx, userId)
	if convs, ok := args.Get(0).([]ConversationSummary); ok {
		return convs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessageById(ctx context.Context, id int) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) TombstoneMessage(ctx context.Context, id int, content string) (Message, error) {
	args := m.Called(ctx, id, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) MarkMessagesRead(ctx context.Context, conversationId, readerId int) (int, error) {
	args := m.Called(ctx, conversationId, readerId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) CountUnread(ctx context.Context, conversationId, userId int) (int, error) {
	args := m.Called(ctx, conversationId, userId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, conversationId, before, limit int) ([]Message, error) {
	args := m.Called(ctx, conversationId, before, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Notification), args.Error(1)
}
func (m *MockChatRepository) ListNotifications(ctx context.Context, userId, limit int) ([]Notification, error) {
	args := m.Called(ctx, userId, limit)
	if ns, ok := args.Get(0).([]Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) GetUsageCount(ctx context.Context, userId int, action, period string) (int, error) {
	args := m.Called(ctx, userId, action, period)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) IncrementUsage(ctx context.Context, userId int, action, period string) (int, error) {
	args := m.Called(ctx, userId, action, period)
	return args.Int(0), args.Error(1)
}
