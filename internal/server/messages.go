package server

import (
	"time"

	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/types"
)

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// event builds an unreferenced server event. Payloads are plain structs, so a
// marshal failure is a programming error.
func event(name string, data any) *types.Envelope {
	env, err := types.NewEnvelope(name, "", data)
	if err != nil {
		panic(err)
	}
	return env
}

func ack(ref string, data any) *types.Envelope {
	env, err := types.NewEnvelope(types.EventAck, ref, data)
	if err != nil {
		panic(err)
	}
	return env
}

func errorEvent(ref string, err error) *types.Envelope {
	code, msg := classify(err)
	env, _ := types.NewEnvelope(types.EventError, ref, types.ErrorEvent{Code: code, Message: msg})
	return env
}

func ToMessage(m database.Message) types.Message {
	return types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationExternalId,
		SenderId:       m.SenderId,
		SenderName:     m.SenderName,
		Content:        m.Content,
		MessageType:    m.MessageType,
		Read:           m.IsRead,
		Timestamp:      m.CreatedAt.UTC().Round(time.Millisecond),
	}
}
