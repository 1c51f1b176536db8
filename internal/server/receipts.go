package server

import (
	"context"
	"fmt"

	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/types"
)

// markRead marks the peer's messages in conv as read by c. With nothing
// unread no event is emitted.
func (cs *ChatServer) markRead(ctx context.Context, c *Client, conv database.Conversation) (types.MarkedRead, error) {
	n, err := cs.db.MarkMessagesRead(ctx, conv.Id, c.user.Id)
	if err != nil {
		return types.MarkedRead{}, fmt.Errorf("%w: mark read: %w", ErrPersistence, err)
	}

	res := types.MarkedRead{ConversationId: conv.ExternalId, Updated: n}
	if n == 0 {
		return res, nil
	}

	cs.router.Broadcast(conv.ExternalId, event(types.EventMessagesRead, types.MessagesRead{
		ConversationId: conv.ExternalId,
		ReadById:       c.user.Id,
	}), skipNone)

	cs.router.BroadcastToUser(c.user.Id, event(types.EventConversationUpdated, types.ConversationUpdated{
		ConversationId: conv.ExternalId,
		UnreadCount:    0,
	}))

	return res, nil
}
