package types

import (
	"time"
)

const (
	MessageTypeText    = "text"
	MessageTypeDeleted = "deleted"

	// DeletedMessageContent replaces the content of a soft-deleted message.
	DeletedMessageContent = "This message was deleted"
)

type User struct {
	Id        int    `json:"id"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
}

type Message struct {
	Id             int       `json:"id"`
	ConversationId string    `json:"conversationId"`
	SenderId       int       `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	Read           bool      `json:"read"`
	Timestamp      time.Time `json:"timestamp"`
}

// Conversation is a conversation as seen by one of its two participants.
type Conversation struct {
	Id             string    `json:"id"`
	Participants   []User    `json:"participants"`
	LastMessage    *Message  `json:"lastMessage,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	UnreadCount    int       `json:"unreadCount"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

type Notification struct {
	Id        int       `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}
