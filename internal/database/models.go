package database

import "time"

const (
	TierFree    = "free"
	TierPro     = "pro"
	TierPremium = "premium"

	NotificationTypeMessage = "message"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	AvatarUrl    string
	Tier         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation is a two-party conversation. The participant pair is stored
// ordered so each pair maps to a single row.
type Conversation struct {
	Id            int
	ExternalId    string
	UserLowId     int
	UserHighId    int
	LastMessageAt time.Time
	CreatedAt     time.Time
}

func (c Conversation) HasParticipant(userId int) bool {
	return userId == c.UserLowId || userId == c.UserHighId
}

// OtherParticipant returns the peer of userId, who must be a participant.
func (c Conversation) OtherParticipant(userId int) int {
	if userId == c.UserLowId {
		return c.UserHighId
	}
	return c.UserLowId
}

// ConversationSummary is a conversation as listed for one of its participants.
type ConversationSummary struct {
	Conversation
	Peer        User
	LastMessage *Message
	UnreadCount int
}

type Message struct {
	Id                     int
	ConversationId         int
	ConversationExternalId string
	SenderId               int
	SenderName             string
	Content                string
	MessageType            string
	IsRead                 bool
	CreatedAt              time.Time
}

type Notification struct {
	Id        int
	AccountId int
	Type      string
	Title     string
	Content   string
	IsRead    bool
	CreatedAt time.Time
}

type CreateConversationParams struct {
	ExternalId string
	UserId     int
	PeerId     int
}

type CreateMessageParams struct {
	ConversationId int
	SenderId       int
	Content        string
	MessageType    string
}

type CreateNotificationParams struct {
	AccountId int
	Type      string
	Title     string
	Content   string
}
