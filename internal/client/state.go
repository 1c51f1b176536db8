package client

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/skillswap-chat/internal/types"
)

const DefaultTypingTimeout = 3 * time.Second

type EntryStatus int

const (
	Pending EntryStatus = iota
	Confirmed
)

func (s EntryStatus) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one transcript line. A pending entry is identified by LocalId, a
// confirmed one by Message.Id.
type Entry struct {
	Status  EntryStatus
	LocalId string
	Message types.Message
}

type typingEntry struct {
	typing  types.Typing
	expires time.Time
}

// ConversationState holds the conversation list and the transcript of the
// open conversation. It is not safe for concurrent use; a Session owns it.
type ConversationState struct {
	self          int
	now           func() time.Time
	typingTimeout time.Duration

	conversations map[string]*types.Conversation
	openId        string
	confirmed     []Entry
	pending       []Entry
	typing        map[int]typingEntry
	online        map[int]bool
}

func NewConversationState(self int) *ConversationState {
	return &ConversationState{
		self:          self,
		now:           time.Now,
		typingTimeout: DefaultTypingTimeout,
		conversations: make(map[string]*types.Conversation),
		typing:        make(map[int]typingEntry),
		online:        make(map[int]bool),
	}
}

func (s *ConversationState) Self() int {
	return s.self
}

// SetConversations replaces the conversation list.
func (s *ConversationState) SetConversations(convs []types.Conversation) {
	s.conversations = make(map[string]*types.Conversation, len(convs))
	for _, c := range convs {
		s.conversations[c.Id] = &c
	}
}

// Conversations returns the list ordered by last activity, most recent first.
func (s *ConversationState) Conversations() []types.Conversation {
	out := make([]types.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}

	slices.SortFunc(out, func(a, b types.Conversation) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})
	return out
}

func (s *ConversationState) Conversation(id string) (types.Conversation, bool) {
	c, ok := s.conversations[id]
	if !ok {
		return types.Conversation{}, false
	}
	return *c, true
}

func (s *ConversationState) TotalUnread() int {
	n := 0
	for _, c := range s.conversations {
		n += c.UnreadCount
	}
	return n
}

// Open makes id the open conversation with history as its transcript.
func (s *ConversationState) Open(id string, history []types.Message) {
	s.openId = id
	s.pending = nil
	s.confirmed = s.confirmed[:0]
	for _, m := range history {
		s.insertConfirmed(m)
	}
	clear(s.typing)
}

// AddHistory merges a history page into the transcript if the conversation
// is still open.
func (s *ConversationState) AddHistory(conversationId string, history []types.Message) bool {
	if conversationId != s.openId {
		return false
	}
	for _, m := range history {
		s.insertConfirmed(m)
	}
	return true
}

func (s *ConversationState) CloseConversation() {
	s.openId = ""
	s.confirmed = nil
	s.pending = nil
	clear(s.typing)
}

func (s *ConversationState) OpenId() string {
	return s.openId
}

// AddPending appends an optimistic entry to the open transcript and returns
// its local id.
func (s *ConversationState) AddPending(content string) (string, bool) {
	if s.openId == "" {
		return "", false
	}

	localId := uuid.NewString()
	s.pending = append(s.pending, Entry{
		Status:  Pending,
		LocalId: localId,
		Message: types.Message{
			ConversationId: s.openId,
			SenderId:       s.self,
			Content:        content,
			MessageType:    types.MessageTypeText,
			Timestamp:      s.now().UTC(),
		},
	})
	return localId, true
}

// Confirm replaces the pending entry with the stored message. It reports
// false when the entry no longer exists, in which case the transcript is
// left alone.
func (s *ConversationState) Confirm(localId string, msg types.Message) bool {
	s.touch(msg)

	i := s.pendingIndex(localId)
	if i < 0 {
		return false
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	s.insertConfirmed(msg)
	return true
}

// Fail removes the pending entry.
func (s *ConversationState) Fail(localId string) bool {
	i := s.pendingIndex(localId)
	if i < 0 {
		return false
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	return true
}

// ApplyMessage records a broadcast message and reports whether the open
// conversation should now be marked read.
func (s *ConversationState) ApplyMessage(msg types.Message) bool {
	s.touch(msg)

	if msg.ConversationId != s.openId {
		if c, ok := s.conversations[msg.ConversationId]; ok && msg.SenderId != s.self {
			c.UnreadCount++
		}
		return false
	}

	s.insertConfirmed(msg)
	delete(s.typing, msg.SenderId)
	return msg.SenderId != s.self
}

func (s *ConversationState) ApplyDeleted(d types.MessageDeleted) {
	if d.ConversationId == s.openId {
		if i := s.confirmedIndex(d.Id); i >= 0 {
			s.confirmed[i].Message.Content = types.DeletedMessageContent
			s.confirmed[i].Message.MessageType = types.MessageTypeDeleted
		}
	}

	if c, ok := s.conversations[d.ConversationId]; ok && c.LastMessage != nil && c.LastMessage.Id == d.Id {
		c.LastMessage.Content = types.DeletedMessageContent
		c.LastMessage.MessageType = types.MessageTypeDeleted
	}
}

// ApplyRead marks our messages read when the peer read them, or clears our
// unread counter when we did.
func (s *ConversationState) ApplyRead(r types.MessagesRead) {
	if r.ReadById == s.self {
		s.MarkedRead(r.ConversationId)
		return
	}

	if r.ConversationId != s.openId {
		return
	}
	for i := range s.confirmed {
		if s.confirmed[i].Message.SenderId == s.self {
			s.confirmed[i].Message.Read = true
		}
	}
}

// ApplyConversationUpdated takes the server's preview and unread count. It
// reports false for conversations not in the list yet.
func (s *ConversationState) ApplyConversationUpdated(u types.ConversationUpdated) bool {
	c, ok := s.conversations[u.ConversationId]
	if !ok {
		c = &types.Conversation{Id: u.ConversationId}
		s.conversations[u.ConversationId] = c
	}

	if u.LastMessage != nil {
		msg := *u.LastMessage
		c.LastMessage = &msg
		if msg.Timestamp.After(c.LastActivityAt) {
			c.LastActivityAt = msg.Timestamp
		}
	}
	c.UnreadCount = u.UnreadCount

	return ok
}

func (s *ConversationState) MarkedRead(conversationId string) {
	if c, ok := s.conversations[conversationId]; ok {
		c.UnreadCount = 0
	}
}

// SetTyping starts or extends the indicator of a remote user.
func (s *ConversationState) SetTyping(t types.Typing) {
	if t.UserId == s.self {
		return
	}
	s.typing[t.UserId] = typingEntry{typing: t, expires: s.now().Add(s.typingTimeout)}
}

func (s *ConversationState) ClearTyping(t types.Typing) {
	delete(s.typing, t.UserId)
}

// Typing returns the unexpired indicators of the open conversation ordered by
// user id. Expired indicators are dropped.
func (s *ConversationState) Typing() []types.Typing {
	now := s.now()

	var out []types.Typing
	for userId, e := range s.typing {
		if !now.Before(e.expires) {
			delete(s.typing, userId)
			continue
		}
		if e.typing.ConversationId == s.openId {
			out = append(out, e.typing)
		}
	}

	slices.SortFunc(out, func(a, b types.Typing) int { return a.UserId - b.UserId })
	return out
}

func (s *ConversationState) SetPresence(userId int, online bool) {
	if online {
		s.online[userId] = true
	} else {
		delete(s.online, userId)
	}
}

func (s *ConversationState) IsOnline(userId int) bool {
	return s.online[userId]
}

// Transcript returns confirmed entries by server id followed by pending
// entries in send order.
func (s *ConversationState) Transcript() []Entry {
	out := make([]Entry, 0, len(s.confirmed)+len(s.pending))
	out = append(out, s.confirmed...)
	return append(out, s.pending...)
}

func (s *ConversationState) touch(msg types.Message) {
	c, ok := s.conversations[msg.ConversationId]
	if !ok {
		return
	}

	if c.LastMessage == nil || msg.Id >= c.LastMessage.Id {
		m := msg
		c.LastMessage = &m
	}
	if msg.Timestamp.After(c.LastActivityAt) {
		c.LastActivityAt = msg.Timestamp
	}
}

// insertConfirmed keeps confirmed entries sorted by server id and ignores
// duplicates.
func (s *ConversationState) insertConfirmed(msg types.Message) {
	i, found := slices.BinarySearchFunc(s.confirmed, msg.Id, func(e Entry, id int) int {
		return e.Message.Id - id
	})
	if found {
		return
	}
	s.confirmed = slices.Insert(s.confirmed, i, Entry{Status: Confirmed, Message: msg})
}

func (s *ConversationState) confirmedIndex(id int) int {
	i, found := slices.BinarySearchFunc(s.confirmed, id, func(e Entry, id int) int {
		return e.Message.Id - id
	})
	if !found {
		return -1
	}
	return i
}

func (s *ConversationState) pendingIndex(localId string) int {
	return slices.IndexFunc(s.pending, func(e Entry) bool { return e.LocalId == localId })
}
