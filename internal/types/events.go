package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventDeleteMessage     = "delete_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkMessagesRead  = "mark_messages_read"
)

// Server to client events.
const (
	EventNewMessage          = "new_message"
	EventMessageDeleted      = "message_deleted"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventMessagesRead        = "messages_read"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventMessageLimitReached = "message_limit_reached"
	EventConversationUpdated = "conversation_updated"
	EventNotification        = "notification"
	EventAck                 = "ack"
	EventError               = "error"
)

// Envelope is the frame exchanged over the websocket in both directions.
// Ref is set by the client when it wants an ack or error correlated to a request.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event, ref string, data any) (*Envelope, error) {
	env := &Envelope{Event: event, Ref: ref}
	if data == nil {
		return env, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = raw

	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing payload", e.Event)
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Event, err)
	}

	return nil
}

type ConversationRef struct {
	ConversationId string `json:"conversationId"`
}

type SendMessage struct {
	ConversationId string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType,omitempty"`
}

type DeleteMessage struct {
	MessageId int `json:"messageId"`
}

type MessageDeleted struct {
	Id             int    `json:"id"`
	ConversationId string `json:"conversationId"`
}

type Typing struct {
	UserId         int    `json:"userId"`
	UserName       string `json:"userName"`
	ConversationId string `json:"conversationId"`
}

type MessagesRead struct {
	ConversationId string `json:"conversationId"`
	ReadById       int    `json:"readById"`
}

type MarkedRead struct {
	ConversationId string `json:"conversationId"`
	Updated        int    `json:"updated"`
}

type Presence struct {
	UserId   int        `json:"userId"`
	Name     string     `json:"name"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type LimitReached struct {
	Message string `json:"message"`
}

type ConversationUpdated struct {
	ConversationId string   `json:"conversationId"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
}

type NotificationEvent struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type Participant struct {
	UserId int    `json:"userId"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

type ConversationJoined struct {
	ConversationId string        `json:"conversationId"`
	Participants   []Participant `json:"participants"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
