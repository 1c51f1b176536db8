package server

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/npezzotti/skillswap-chat/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var createdAt = time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)

func dbUser(u types.User, tier string) database.User {
	return database.User{Id: u.Id, Username: u.Username, Tier: tier}
}

func storedMessage(id int, sender types.User, content string) database.Message {
	return database.Message{
		Id:                     id,
		ConversationId:         testConv.Id,
		ConversationExternalId: testConv.ExternalId,
		SenderId:               sender.Id,
		SenderName:             sender.Username,
		Content:                content,
		MessageType:            types.MessageTypeText,
		CreatedAt:              createdAt,
	}
}

func createParams(sender types.User, content string) database.CreateMessageParams {
	return database.CreateMessageParams{
		ConversationId: testConv.Id,
		SenderId:       sender.Id,
		Content:        content,
		MessageType:    types.MessageTypeText,
	}
}

func TestSendMessage(t *testing.T) {
	t.Run("recipient joined", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierFree), nil)
		db.On("CreateMessage", mock.Anything, createParams(alice, "hello")).Return(storedMessage(7, alice, "hello"), nil).Once()
		db.On("CountUnread", mock.Anything, testConv.Id, bob.Id).Return(1, nil).Once()
		defer db.AssertExpectations(t)

		counter := newMemCounter()
		cs := newTestChatServer(t, db, counter, 10)
		a := connect(cs, alice, testConv)
		b := connect(cs, bob, testConv)

		msg, err := cs.sendMessage(context.Background(), a, testConv, "  hello ", "")
		require.NoError(t, err)
		assert.Equal(t, types.Message{
			Id:             7,
			ConversationId: testConv.ExternalId,
			SenderId:       alice.Id,
			SenderName:     "alice",
			Content:        "hello",
			MessageType:    types.MessageTypeText,
			Timestamp:      createdAt,
		}, msg)
		assert.Equal(t, 1, counter.total(alice.Id), "expected usage to be recorded")

		assert.Equal(t, msg, decodeData[types.Message](t, expectEvent(t, a, types.EventNewMessage)))
		assert.Equal(t, msg, decodeData[types.Message](t, expectEvent(t, b, types.EventNewMessage)))

		updated := decodeData[types.ConversationUpdated](t, expectEvent(t, b, types.EventConversationUpdated))
		assert.Equal(t, testConv.ExternalId, updated.ConversationId)
		assert.Equal(t, 1, updated.UnreadCount)
		require.NotNil(t, updated.LastMessage)
		assert.Equal(t, 7, updated.LastMessage.Id)

		expectNoEvent(t, a)
		expectNoEvent(t, b)
		db.AssertNotCalled(t, "CreateNotification", mock.Anything, mock.Anything)
	})

	t.Run("recipient online but not joined", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierFree), nil)
		db.On("CreateMessage", mock.Anything, createParams(alice, "hello")).Return(storedMessage(7, alice, "hello"), nil).Once()
		db.On("CountUnread", mock.Anything, testConv.Id, bob.Id).Return(3, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, nil, 10)
		a := connect(cs, alice, testConv)
		b := connect(cs, bob)

		_, err := cs.sendMessage(context.Background(), a, testConv, "hello", types.MessageTypeText)
		require.NoError(t, err)

		expectEvent(t, a, types.EventNewMessage)
		n := decodeData[types.NotificationEvent](t, expectEvent(t, b, types.EventNotification))
		assert.Equal(t, types.NotificationEvent{Title: "New message from alice", Content: "hello"}, n)
		assert.Equal(t, 3, decodeData[types.ConversationUpdated](t, expectEvent(t, b, types.EventConversationUpdated)).UnreadCount)
		expectNoEvent(t, b)
	})

	t.Run("recipient offline", func(t *testing.T) {
		long := strings.Repeat("x", notificationPreviewLen+20)

		db := &database.MockChatRepository{}
		db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierFree), nil)
		db.On("CreateMessage", mock.Anything, createParams(alice, long)).Return(storedMessage(7, alice, long), nil).Once()
		db.On("CreateNotification", mock.Anything, database.CreateNotificationParams{
			AccountId: bob.Id,
			Type:      database.NotificationTypeMessage,
			Title:     "New message from alice",
			Content:   strings.Repeat("x", notificationPreviewLen) + "...",
		}).Return(database.Notification{Id: 1}, nil).Once()
		db.On("CountUnread", mock.Anything, testConv.Id, bob.Id).Return(1, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, nil, 10)
		a := connect(cs, alice, testConv)

		_, err := cs.sendMessage(context.Background(), a, testConv, long, "")
		require.NoError(t, err)
		expectEvent(t, a, types.EventNewMessage)
		expectNoEvent(t, a)
	})

	t.Run("notification failure does not fail the send", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierFree), nil)
		db.On("CreateMessage", mock.Anything, mock.Anything).Return(storedMessage(7, alice, "hi"), nil).Once()
		db.On("CreateNotification", mock.Anything, mock.Anything).Return(database.Notification{}, errors.New("db down")).Once()
		db.On("CountUnread", mock.Anything, testConv.Id, bob.Id).Return(0, errors.New("db down")).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, nil, 10)
		a := connect(cs, alice, testConv)

		_, err := cs.sendMessage(context.Background(), a, testConv, "hi", "")
		assert.NoError(t, err)
	})
}

func TestSendMessage_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		sender  types.User
		content string
		msgType string
		wantErr error
	}{
		{"empty content", alice, "   ", "", ErrInvalidMessage},
		{"content too long", alice, strings.Repeat("é", DefaultOptions().MaxContentLen+1), "", ErrInvalidMessage},
		{"unsupported type", alice, "hi", "image", ErrInvalidMessage},
		{"deleted type", alice, "hi", types.MessageTypeDeleted, ErrInvalidMessage},
		{"not a participant", carol, "hi", "", ErrNotAParticipant},
		{"not a participant with empty content", carol, "   ", "", ErrNotAParticipant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			cs := newTestChatServer(t, db, nil, 10)
			c := connect(cs, tt.sender)

			_, err := cs.sendMessage(context.Background(), c, testConv, tt.content, tt.msgType)
			assert.ErrorIs(t, err, tt.wantErr, "expected %v, got %v", tt.wantErr, err)
			db.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
			expectNoEvent(t, c)
		})
	}
}

func TestSendMessage_QuotaBoundary(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierFree), nil)
	db.On("CreateMessage", mock.Anything, mock.Anything).Return(storedMessage(1, alice, "hi"), nil).Times(3)
	db.On("CreateNotification", mock.Anything, mock.Anything).Return(database.Notification{}, nil).Times(3)
	db.On("CountUnread", mock.Anything, testConv.Id, bob.Id).Return(1, nil).Times(3)
	defer db.AssertExpectations(t)

	counter := newMemCounter()
	cs := newTestChatServer(t, db, counter, 3)
	a := connect(cs, alice, testConv)

	for i := 0; i < 3; i++ {
		_, err := cs.sendMessage(context.Background(), a, testConv, "hi", "")
		require.NoError(t, err, "expected send %d to be within the limit", i+1)
		expectEvent(t, a, types.EventNewMessage)
	}

	_, err := cs.sendMessage(context.Background(), a, testConv, "hi", "")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	limit := decodeData[types.LimitReached](t, expectEvent(t, a, types.EventMessageLimitReached))
	assert.Contains(t, limit.Message, "3 messages")
	assert.Equal(t, 3, counter.total(alice.Id), "expected rejected send not to be counted")
	expectNoEvent(t, a)
}

func TestSendMessage_TierLimits(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierPremium), nil)
	db.On("CreateMessage", mock.Anything, mock.Anything).Return(storedMessage(1, alice, "hi"), nil)
	db.On("CreateNotification", mock.Anything, mock.Anything).Return(database.Notification{}, nil)
	db.On("CountUnread", mock.Anything, testConv.Id, bob.Id).Return(1, nil)

	cs := newTestChatServer(t, db, nil, 0)
	cs.usage = usage.NewTracker(newMemCounter(), db, usage.Limits{database.TierFree: 0, database.TierPremium: usage.Unlimited})
	a := connect(cs, alice, testConv)

	for i := 0; i < 5; i++ {
		_, err := cs.sendMessage(context.Background(), a, testConv, "hi", "")
		require.NoError(t, err, "expected unlimited tier to never be rejected")
	}
}

func TestSendMessage_PersistenceFailure(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierFree), nil)
	db.On("CreateMessage", mock.Anything, mock.Anything).Return(database.Message{}, errors.New("connection reset")).Once()
	defer db.AssertExpectations(t)

	counter := newMemCounter()
	cs := newTestChatServer(t, db, counter, 10)
	a := connect(cs, alice, testConv)
	b := connect(cs, bob, testConv)

	_, err := cs.sendMessage(context.Background(), a, testConv, "hi", "")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 0, counter.total(alice.Id), "expected failed send not to be counted")
	expectNoEvent(t, a)
	expectNoEvent(t, b)

	code, msg := classify(err)
	assert.Equal(t, "persistence_error", code)
	assert.NotContains(t, msg, "connection reset", "expected storage details to stay internal")
}

// slowCounter blocks Increment until release is closed.
type slowCounter struct {
	*memCounter
	entered chan struct{}
	release chan struct{}
}

func (c *slowCounter) Increment(ctx context.Context, userId int, action, period string) (int, error) {
	c.entered <- struct{}{}
	<-c.release
	return c.memCounter.Increment(ctx, userId, action, period)
}

func TestSendMessage_UsageOutsideOrderingLock(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetUserById", mock.Anything, alice.Id).Return(dbUser(alice, database.TierFree), nil)
	db.On("CreateMessage", mock.Anything, mock.Anything).Return(storedMessage(7, alice, "hi"), nil).Once()
	db.On("CountUnread", mock.Anything, testConv.Id, bob.Id).Return(1, nil).Once()
	db.On("CreateNotification", mock.Anything, mock.Anything).Return(database.Notification{}, nil).Once()
	defer db.AssertExpectations(t)

	counter := &slowCounter{memCounter: newMemCounter(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	cs := newTestChatServer(t, db, counter, 10)
	a := connect(cs, alice, testConv)

	sent := make(chan error, 1)
	go func() {
		_, err := cs.sendMessage(context.Background(), a, testConv, "hi", "")
		sent <- err
	}()

	select {
	case <-counter.entered:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the usage update")
	}

	locked := make(chan struct{})
	go func() {
		cs.lockConversation(testConv.ExternalId)()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("expected the ordering lock to be free while usage is recorded")
	}

	close(counter.release)
	require.NoError(t, <-sent)
	assert.Equal(t, 1, counter.total(alice.Id))
	expectEvent(t, a, types.EventNewMessage)
}

// seqRepo assigns message ids in call order.
type seqRepo struct {
	*database.MockChatRepository
	seq atomic.Int64
}

func (r *seqRepo) CreateMessage(_ context.Context, params database.CreateMessageParams) (database.Message, error) {
	id := int(r.seq.Add(1))
	sender := alice
	if params.SenderId == bob.Id {
		sender = bob
	}
	return storedMessage(id, sender, params.Content), nil
}

func TestSendMessage_Ordering(t *testing.T) {
	const perSender = 30

	db := &database.MockChatRepository{}
	db.On("GetUserById", mock.Anything, mock.Anything).Return(database.User{Tier: database.TierFree}, nil)
	db.On("CountUnread", mock.Anything, mock.Anything, mock.Anything).Return(1, nil)
	repo := &seqRepo{MockChatRepository: db}

	cs := newTestChatServer(t, repo, nil, -1)
	a := connect(cs, alice, testConv)
	b := connect(cs, bob, testConv)
	observer := connect(cs, bob, testConv)

	var wg sync.WaitGroup
	for _, sender := range []*Client{a, b} {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := cs.sendMessage(context.Background(), c, testConv, "msg", "")
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	for _, c := range []*Client{a, b, observer} {
		last := 0
		received := 0
		for done := false; !done; {
			select {
			case env := <-c.send:
				if env.Event != types.EventNewMessage {
					continue
				}
				msg := decodeData[types.Message](t, env)
				assert.Greater(t, msg.Id, last, "expected messages in persistence order for user %d", c.user.Id)
				last = msg.Id
				received++
			default:
				done = true
			}
		}
		assert.Equal(t, 2*perSender, received, "expected every message to reach user %d", c.user.Id)
	}
}

func TestDeleteMessage(t *testing.T) {
	t.Run("tombstones own message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", mock.Anything, 7).Return(storedMessage(7, alice, "oops"), nil).Once()
		db.On("TombstoneMessage", mock.Anything, 7, types.DeletedMessageContent).Return(database.Message{}, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, nil, 10)
		a := connect(cs, alice, testConv)
		b := connect(cs, bob, testConv)

		res, err := cs.deleteMessage(context.Background(), a, 7)
		require.NoError(t, err)
		want := types.MessageDeleted{Id: 7, ConversationId: testConv.ExternalId}
		assert.Equal(t, want, res)

		for _, c := range []*Client{a, b} {
			assert.Equal(t, want, decodeData[types.MessageDeleted](t, expectEvent(t, c, types.EventMessageDeleted)))
		}
	})

	t.Run("already deleted", func(t *testing.T) {
		deleted := storedMessage(7, alice, types.DeletedMessageContent)
		deleted.MessageType = types.MessageTypeDeleted

		db := &database.MockChatRepository{}
		db.On("GetMessageById", mock.Anything, 7).Return(deleted, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, nil, 10)
		a := connect(cs, alice, testConv)

		_, err := cs.deleteMessage(context.Background(), a, 7)
		assert.NoError(t, err)
		db.AssertNotCalled(t, "TombstoneMessage", mock.Anything, mock.Anything, mock.Anything)
		expectNoEvent(t, a)
	})

	t.Run("other user's message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", mock.Anything, 7).Return(storedMessage(7, alice, "mine"), nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, nil, 10)
		b := connect(cs, bob, testConv)

		_, err := cs.deleteMessage(context.Background(), b, 7)
		assert.ErrorIs(t, err, ErrNotAuthorized)
		expectNoEvent(t, b)
	})

	t.Run("missing message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", mock.Anything, 7).Return(database.Message{}, sql.ErrNoRows).Once()

		cs := newTestChatServer(t, db, nil, 10)
		a := connect(cs, alice, testConv)

		_, err := cs.deleteMessage(context.Background(), a, 7)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("tombstone failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", mock.Anything, 7).Return(storedMessage(7, alice, "oops"), nil).Once()
		db.On("TombstoneMessage", mock.Anything, 7, types.DeletedMessageContent).Return(database.Message{}, errors.New("db down")).Once()

		cs := newTestChatServer(t, db, nil, 10)
		a := connect(cs, alice, testConv)

		_, err := cs.deleteMessage(context.Background(), a, 7)
		assert.ErrorIs(t, err, ErrPersistence)
		expectNoEvent(t, a)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))
	assert.Equal(t, "éé...", truncate("ééé", 2))
}
