package server

import (
	"sync"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/types"
)

type typingKey struct {
	conversationId string
	userId         int
}

type typingEntry struct {
	timer  *time.Timer
	connId string
	user   types.User
	gen    uint64
}

// TypingCoordinator keeps at most one expiry timer per (conversation, user).
// The latest signal from any of the user's connections wins.
type TypingCoordinator struct {
	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	seq     uint64
	timeout time.Duration
	router  *RoomRouter
}

func NewTypingCoordinator(router *RoomRouter, timeout time.Duration) *TypingCoordinator {
	return &TypingCoordinator{
		entries: make(map[typingKey]*typingEntry),
		timeout: timeout,
		router:  router,
	}
}

// Start broadcasts user_typing and (re)arms the expiry timer.
func (tc *TypingCoordinator) Start(c *Client, conversationId string) {
	key := typingKey{conversationId: conversationId, userId: c.user.Id}

	tc.mu.Lock()
	if e, ok := tc.entries[key]; ok {
		e.timer.Stop()
	}
	tc.seq++
	gen := tc.seq
	tc.entries[key] = &typingEntry{
		timer:  time.AfterFunc(tc.timeout, func() { tc.expire(key, gen) }),
		connId: c.id,
		user:   c.user,
		gen:    gen,
	}
	tc.mu.Unlock()

	tc.router.Broadcast(conversationId, event(types.EventUserTyping, typingPayload(c.user, conversationId)), skipUser(c.user.Id))
}

// Stop cancels any timer and broadcasts user_stopped_typing.
func (tc *TypingCoordinator) Stop(c *Client, conversationId string) {
	key := typingKey{conversationId: conversationId, userId: c.user.Id}

	tc.mu.Lock()
	if e, ok := tc.entries[key]; ok {
		e.timer.Stop()
		delete(tc.entries, key)
	}
	tc.mu.Unlock()

	tc.broadcastStopped(c.user, conversationId)
}

// expire ignores timers that were replaced after they fired.
func (tc *TypingCoordinator) expire(key typingKey, gen uint64) {
	tc.mu.Lock()
	e, ok := tc.entries[key]
	if !ok || e.gen != gen {
		tc.mu.Unlock()
		return
	}
	delete(tc.entries, key)
	tc.mu.Unlock()

	tc.broadcastStopped(e.user, key.conversationId)
}

// DropConnection stops every indicator last signalled by c.
func (tc *TypingCoordinator) DropConnection(c *Client) {
	var stopped []typingKey

	tc.mu.Lock()
	for key, e := range tc.entries {
		if e.connId == c.id {
			e.timer.Stop()
			delete(tc.entries, key)
			stopped = append(stopped, key)
		}
	}
	tc.mu.Unlock()

	for _, key := range stopped {
		tc.broadcastStopped(c.user, key.conversationId)
	}
}

func (tc *TypingCoordinator) StopAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	for key, e := range tc.entries {
		e.timer.Stop()
		delete(tc.entries, key)
	}
}

func (tc *TypingCoordinator) IsTyping(userId int, conversationId string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	_, ok := tc.entries[typingKey{conversationId: conversationId, userId: userId}]
	return ok
}

func (tc *TypingCoordinator) broadcastStopped(user types.User, conversationId string) {
	tc.router.Broadcast(conversationId, event(types.EventUserStoppedTyping, typingPayload(user, conversationId)), skipUser(user.Id))
}

func typingPayload(user types.User, conversationId string) types.Typing {
	return types.Typing{
		UserId:         user.Id,
		UserName:       user.Username,
		ConversationId: conversationId,
	}
}
