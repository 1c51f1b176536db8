package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/types"
)

// eventHandler handles one inbound event. The returned value is sent back as
// the ack payload when the request carried a ref.
type eventHandler func(ctx context.Context, c *Client, env *types.Envelope) (any, error)

func (cs *ChatServer) newHandlers() map[string]eventHandler {
	return map[string]eventHandler{
		types.EventJoinConversation:  cs.handleJoin,
		types.EventLeaveConversation: cs.handleLeave,
		types.EventSendMessage:       cs.handleSend,
		types.EventDeleteMessage:     cs.handleDelete,
		types.EventTypingStart:       cs.handleTypingStart,
		types.EventTypingStop:        cs.handleTypingStop,
		types.EventMarkMessagesRead:  cs.handleMarkRead,
	}
}

// dispatch runs the handler for env on the connection's read goroutine and
// reports the outcome to that connection only.
func (cs *ChatServer) dispatch(c *Client, env *types.Envelope) {
	h, ok := cs.handlers[env.Event]
	if !ok {
		c.queueMessage(errorEvent(env.Ref, fmt.Errorf("%w: unknown event %q", ErrInvalidMessage, env.Event)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.opts.RequestTimeout)
	defer cancel()

	data, err := h(ctx, c, env)
	if err != nil {
		code, _ := classify(err)
		ev := c.log.Warn()
		if code == codeInternal {
			ev = c.log.Error()
		}
		ev.Err(err).Str("event", env.Event).Str("code", code).Msg("event rejected")
		c.queueMessage(errorEvent(env.Ref, err))
		return
	}

	if env.Ref != "" {
		c.queueMessage(ack(env.Ref, data))
	}
}

func decode(env *types.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}

func decodeConversationRef(env *types.Envelope) (types.ConversationRef, error) {
	var ref types.ConversationRef
	if err := decode(env, &ref); err != nil {
		return ref, err
	}
	if ref.ConversationId == "" {
		return ref, fmt.Errorf("%w: missing conversationId", ErrInvalidMessage)
	}
	return ref, nil
}

// joinedConversation rejects events for conversations c has not joined.
func joinedConversation(c *Client, env *types.Envelope) (database.Conversation, error) {
	ref, err := decodeConversationRef(env)
	if err != nil {
		return database.Conversation{}, err
	}

	conv, ok := c.room(ref.ConversationId)
	if !ok {
		return database.Conversation{}, fmt.Errorf("%w: %s", ErrNotJoined, ref.ConversationId)
	}
	return conv, nil
}

func (cs *ChatServer) handleJoin(ctx context.Context, c *Client, env *types.Envelope) (any, error) {
	ref, err := decodeConversationRef(env)
	if err != nil {
		return nil, err
	}

	conv, err := cs.db.GetConversationByExternalId(ctx, ref.ConversationId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, ref.ConversationId)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if !conv.HasParticipant(c.user.Id) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotAParticipant, conv.ExternalId)
	}

	peer, err := cs.db.GetUserById(ctx, conv.OtherParticipant(c.user.Id))
	if err != nil {
		return nil, fmt.Errorf("get peer: %w", err)
	}

	if cs.router.Join(c, conv) {
		c.log.Debug().Str("conversation_id", conv.ExternalId).Msg("joined conversation")
	}

	return types.ConversationJoined{
		ConversationId: conv.ExternalId,
		Participants: []types.Participant{
			{UserId: c.user.Id, Name: c.user.Username, Online: true},
			{UserId: peer.Id, Name: peer.Username, Online: cs.registry.IsOnline(peer.Id)},
		},
	}, nil
}

func (cs *ChatServer) handleLeave(_ context.Context, c *Client, env *types.Envelope) (any, error) {
	ref, err := decodeConversationRef(env)
	if err != nil {
		return nil, err
	}

	if cs.router.Leave(c, ref.ConversationId) {
		c.log.Debug().Str("conversation_id", ref.ConversationId).Msg("left conversation")
	}
	return nil, nil
}

func (cs *ChatServer) handleSend(ctx context.Context, c *Client, env *types.Envelope) (any, error) {
	var req types.SendMessage
	if err := decode(env, &req); err != nil {
		return nil, err
	}

	conv, ok := c.room(req.ConversationId)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, req.ConversationId)
	}

	return cs.sendMessage(ctx, c, conv, req.Content, req.MessageType)
}

func (cs *ChatServer) handleDelete(ctx context.Context, c *Client, env *types.Envelope) (any, error) {
	var req types.DeleteMessage
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if req.MessageId <= 0 {
		return nil, fmt.Errorf("%w: missing messageId", ErrInvalidMessage)
	}

	return cs.deleteMessage(ctx, c, req.MessageId)
}

func (cs *ChatServer) handleTypingStart(_ context.Context, c *Client, env *types.Envelope) (any, error) {
	conv, err := joinedConversation(c, env)
	if err != nil {
		return nil, err
	}

	cs.typing.Start(c, conv.ExternalId)
	return nil, nil
}

func (cs *ChatServer) handleTypingStop(_ context.Context, c *Client, env *types.Envelope) (any, error) {
	conv, err := joinedConversation(c, env)
	if err != nil {
		return nil, err
	}

	cs.typing.Stop(c, conv.ExternalId)
	return nil, nil
}

func (cs *ChatServer) handleMarkRead(ctx context.Context, c *Client, env *types.Envelope) (any, error) {
	conv, err := joinedConversation(c, env)
	if err != nil {
		return nil, err
	}

	return cs.markRead(ctx, c, conv)
}
