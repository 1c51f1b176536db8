package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/rs/zerolog"
)

const (
	historyPageSize       = 50
	defaultRequestTimeout = 10 * time.Second
	noticeQueueSize       = 64
)

var ErrNoConversation = errors.New("no conversation open")

// Transport is the request side of a Controller.
type Transport interface {
	Events() <-chan *types.Envelope
	Reconnected() <-chan struct{}
	Request(ctx context.Context, event string, data any) (*types.Envelope, error)
	Send(event string, data any) error
	SetActiveRoom(conversationId string) error
}

type ConversationAPI interface {
	Conversations(ctx context.Context) ([]types.Conversation, error)
	History(ctx context.Context, conversationId string, before, limit int) ([]types.Message, error)
}

type NoticeKind int

const (
	NoticeError NoticeKind = iota
	NoticeLimit
	NoticeNotification
	NoticePresence
)

// Notice is a user-facing message that is not part of a transcript.
type Notice struct {
	Kind NoticeKind
	Text string
}

// View is a snapshot of the session for rendering.
type View struct {
	OpenId        string
	Conversations []types.Conversation
	Transcript    []Entry
	Typing        []types.Typing
	TotalUnread   int
}

// Session applies server events and user actions to a ConversationState on a
// single goroutine.
type Session struct {
	log            zerolog.Logger
	transport      Transport
	api            ConversationAPI
	state          *ConversationState
	requestTimeout time.Duration
	cmds           chan func()
	notices        chan Notice
	updates        chan struct{}
	done           chan struct{}
	stopOnce       sync.Once
}

func NewSession(logger zerolog.Logger, self int, t Transport, api ConversationAPI) *Session {
	return &Session{
		log:            logger,
		transport:      t,
		api:            api,
		state:          NewConversationState(self),
		requestTimeout: defaultRequestTimeout,
		cmds:           make(chan func()),
		notices:        make(chan Notice, noticeQueueSize),
		updates:        make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

func (s *Session) Notices() <-chan Notice {
	return s.notices
}

// Updates receives a value whenever the view may have changed.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) Run() {
	events := s.transport.Events()
	resumed := s.transport.Reconnected()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case env := <-events:
			s.handleEvent(env)
		case <-resumed:
			go s.resyncInBackground()
		case <-s.done:
			return
		}
	}
}

func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// post queues fn without waiting. It is safe to call from the session
// goroutine.
func (s *Session) post(fn func()) {
	go func() {
		select {
		case s.cmds <- fn:
		case <-s.done:
		}
	}()
}

func (s *Session) View() (View, error) {
	var v View
	err := s.do(func() {
		v = View{
			OpenId:        s.state.OpenId(),
			Conversations: s.state.Conversations(),
			Transcript:    s.state.Transcript(),
			Typing:        s.state.Typing(),
			TotalUnread:   s.state.TotalUnread(),
		}
	})
	return v, err
}

// Refresh reloads the conversation list.
func (s *Session) Refresh(ctx context.Context) error {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	return s.do(func() {
		s.state.SetConversations(convs)
		s.changed()
	})
}

// Open makes the conversation the open one, joins its room, loads its latest
// history and marks it read. Messages broadcast while the history loads are
// kept.
func (s *Session) Open(ctx context.Context, conversationId string) error {
	var prev string
	if err := s.do(func() {
		prev = s.state.OpenId()
		s.state.Open(conversationId, nil)
		s.changed()
	}); err != nil {
		return err
	}

	if prev != "" && prev != conversationId {
		if err := s.transport.Send(types.EventLeaveConversation, types.ConversationRef{ConversationId: prev}); err != nil {
			s.log.Debug().Err(err).Str("conversation_id", prev).Msg("leave failed")
		}
	}
	s.transport.SetActiveRoom(conversationId)

	if _, err := s.transport.Request(ctx, types.EventJoinConversation, types.ConversationRef{ConversationId: conversationId}); err != nil {
		s.do(func() {
			if s.state.OpenId() == conversationId {
				s.state.CloseConversation()
				s.changed()
			}
		})
		s.transport.SetActiveRoom("")
		return fmt.Errorf("join conversation: %w", err)
	}

	history, err := s.api.History(ctx, conversationId, 0, historyPageSize)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	if err := s.do(func() {
		if s.state.AddHistory(conversationId, history) {
			s.changed()
		}
	}); err != nil {
		return err
	}

	s.markRead(conversationId)
	return nil
}

// CloseConversation leaves the open conversation. Requests already in flight
// still complete.
func (s *Session) CloseConversation() error {
	var id string
	if err := s.do(func() {
		id = s.state.OpenId()
		s.state.CloseConversation()
		s.changed()
	}); err != nil {
		return err
	}

	if id == "" {
		return nil
	}
	s.transport.SetActiveRoom("")
	return s.transport.Send(types.EventLeaveConversation, types.ConversationRef{ConversationId: id})
}

// SendMessage shows the message as pending right away and returns its local
// id. The entry is confirmed when the server stores it or removed with an
// error notice when it does not.
func (s *Session) SendMessage(content string) (string, error) {
	var (
		localId        string
		conversationId string
		ok             bool
	)
	if err := s.do(func() {
		conversationId = s.state.OpenId()
		if localId, ok = s.state.AddPending(content); ok {
			s.changed()
		}
	}); err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoConversation
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()

		var msg types.Message
		env, err := s.transport.Request(ctx, types.EventSendMessage, types.SendMessage{
			ConversationId: conversationId,
			Content:        content,
			MessageType:    types.MessageTypeText,
		})
		if err == nil {
			err = env.Decode(&msg)
		}

		s.post(func() {
			if err != nil {
				s.state.Fail(localId)
				s.notify(NoticeError, fmt.Sprintf("message not sent: %v", err))
			} else {
				s.state.Confirm(localId, msg)
			}
			s.changed()
		})
	}()

	return localId, nil
}

func (s *Session) DeleteMessage(ctx context.Context, messageId int) error {
	if _, err := s.transport.Request(ctx, types.EventDeleteMessage, types.DeleteMessage{MessageId: messageId}); err != nil {
		return fmt.Errorf("delete message %d: %w", messageId, err)
	}
	return nil
}

// SetTyping signals typing start or stop in the open conversation.
func (s *Session) SetTyping(active bool) error {
	var id string
	if err := s.do(func() { id = s.state.OpenId() }); err != nil {
		return err
	}
	if id == "" {
		return ErrNoConversation
	}

	event := types.EventTypingStop
	if active {
		event = types.EventTypingStart
	}
	return s.transport.Send(event, types.ConversationRef{ConversationId: id})
}

// markRead runs in the background and applies its result by conversation id.
func (s *Session) markRead(conversationId string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()

		_, err := s.transport.Request(ctx, types.EventMarkMessagesRead, types.ConversationRef{ConversationId: conversationId})
		s.post(func() {
			if err != nil {
				s.log.Warn().Err(err).Str("conversation_id", conversationId).Msg("mark read failed")
				return
			}
			s.state.MarkedRead(conversationId)
			s.changed()
		})
	}()
}

func (s *Session) handleEvent(env *types.Envelope) {
	var err error
	switch env.Event {
	case types.EventNewMessage:
		var msg types.Message
		if err = env.Decode(&msg); err == nil && s.state.ApplyMessage(msg) {
			s.markRead(msg.ConversationId)
		}
	case types.EventMessageDeleted:
		var d types.MessageDeleted
		if err = env.Decode(&d); err == nil {
			s.state.ApplyDeleted(d)
		}
	case types.EventMessagesRead:
		var r types.MessagesRead
		if err = env.Decode(&r); err == nil {
			s.state.ApplyRead(r)
		}
	case types.EventUserTyping:
		var t types.Typing
		if err = env.Decode(&t); err == nil {
			s.state.SetTyping(t)
			time.AfterFunc(s.state.typingTimeout, func() { s.post(s.changed) })
		}
	case types.EventUserStoppedTyping:
		var t types.Typing
		if err = env.Decode(&t); err == nil {
			s.state.ClearTyping(t)
		}
	case types.EventUserOnline, types.EventUserOffline:
		var p types.Presence
		if err = env.Decode(&p); err == nil {
			online := env.Event == types.EventUserOnline
			s.state.SetPresence(p.UserId, online)
			if online {
				s.notify(NoticePresence, p.Name+" is online")
			} else {
				s.notify(NoticePresence, p.Name+" went offline")
			}
		}
	case types.EventConversationUpdated:
		var u types.ConversationUpdated
		if err = env.Decode(&u); err == nil && !s.state.ApplyConversationUpdated(u) {
			go s.refreshInBackground()
		}
	case types.EventMessageLimitReached:
		var l types.LimitReached
		if err = env.Decode(&l); err == nil {
			s.notify(NoticeLimit, l.Message)
		}
	case types.EventNotification:
		var n types.NotificationEvent
		if err = env.Decode(&n); err == nil {
			s.notify(NoticeNotification, n.Title+": "+n.Content)
		}
	case types.EventError:
		var e types.ErrorEvent
		if err = env.Decode(&e); err == nil {
			s.notify(NoticeError, e.Message)
		}
	case types.EventAck:
		return
	default:
		s.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
		return
	}

	if err != nil {
		s.log.Warn().Err(err).Str("event", env.Event).Msg("bad event payload")
		return
	}
	s.changed()
}

// Resync catches up on what was missed while disconnected: the conversation
// list, the latest history page of the open conversation and its read state.
func (s *Session) Resync(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}

	var id string
	if err := s.do(func() { id = s.state.OpenId() }); err != nil {
		return err
	}
	if id == "" {
		return nil
	}

	history, err := s.api.History(ctx, id, 0, historyPageSize)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var merged bool
	if err := s.do(func() {
		if merged = s.state.AddHistory(id, history); merged {
			s.changed()
		}
	}); err != nil {
		return err
	}
	if merged {
		s.markRead(id)
	}
	return nil
}

func (s *Session) resyncInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	if err := s.Resync(ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn().Err(err).Msg("resync after reconnect")
		s.notify(NoticeError, fmt.Sprintf("could not catch up after reconnecting: %v", err))
	}
}

func (s *Session) refreshInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn().Err(err).Msg("refresh conversations")
	}
}

func (s *Session) changed() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) notify(kind NoticeKind, text string) {
	select {
	case s.notices <- Notice{Kind: kind, Text: text}:
	default:
		s.log.Warn().Str("notice", text).Msg("notice queue full")
	}
}
