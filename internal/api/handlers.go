package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/server"
	"github.com/npezzotti/skillswap-chat/internal/types"
)

const (
	defaultPageSize       = 50
	maxPageSize           = 100
	notificationsPageSize = 50
	maxShortIdAttempts    = 3
	healthCheckTimeout    = 2 * time.Second
)

type CreateConversationRequest struct {
	ParticipantId int `json:"participantId"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.ParticipantId == id.UserId {
		s.writeError(w, NewValidationError("cannot start a conversation with yourself"))
		return
	}

	peer, err := s.db.GetUserById(r.Context(), req.ParticipantId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	var (
		conv    database.Conversation
		created bool
	)
	for attempt := 1; ; attempt++ {
		sid, err := s.generateShortId()
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		conv, created, err = s.db.CreateConversation(r.Context(), database.CreateConversationParams{
			ExternalId: sid,
			UserId:     id.UserId,
			PeerId:     peer.Id,
		})
		if err == nil {
			break
		}
		if errors.Is(err, database.ErrConflict) && attempt < maxShortIdAttempts {
			s.log.Warn().Str("external_id", sid).Msg("conversation id collision, retrying")
			continue
		}

		s.writeError(w, NewInternalServerError(err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.log.Info().Str("conversation_id", conv.ExternalId).Int("user_id", id.UserId).
			Int("peer_id", peer.Id).Msg("created conversation")
	}

	s.writeJson(w, status, types.Conversation{
		Id: conv.ExternalId,
		Participants: []types.User{
			{Id: id.UserId, Username: id.Name, AvatarUrl: id.AvatarUrl},
			toUser(peer),
		},
		LastActivityAt: conv.LastMessageAt,
		CreatedAt:      conv.CreatedAt,
	})
}

func (s *ChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	summaries, err := s.db.ListConversations(r.Context(), id.UserId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	convs := make([]types.Conversation, 0, len(summaries))
	for _, sum := range summaries {
		conv := types.Conversation{
			Id: sum.ExternalId,
			Participants: []types.User{
				{Id: id.UserId, Username: id.Name, AvatarUrl: id.AvatarUrl},
				toUser(sum.Peer),
			},
			LastActivityAt: sum.LastMessageAt,
			UnreadCount:    sum.UnreadCount,
			CreatedAt:      sum.CreatedAt,
		}
		if sum.LastMessage != nil {
			msg := server.ToMessage(*sum.LastMessage)
			conv.LastMessage = &msg
		}
		convs = append(convs, conv)
	}

	s.writeJson(w, http.StatusOK, convs)
}

// getMessages returns the newest page of messages older than the before
// cursor, in chronological order.
func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, err := s.db.GetConversationByExternalId(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if !conv.HasParticipant(id.UserId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	before, err := queryInt(r, "before", 0)
	if err != nil || before < 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}
	limit = min(limit, maxPageSize)

	messages, err := s.db.GetMessages(r.Context(), conv.Id, before, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, server.ToMessage(m))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *ChatApp) listNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	notifications, err := s.db.ListNotifications(r.Context(), id.UserId, notificationsPageSize)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	out := make([]types.Notification, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, types.Notification{
			Id:        n.Id,
			Type:      n.Type,
			Title:     n.Title,
			Content:   n.Content,
			Read:      n.IsRead,
			CreatedAt: n.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// non-browser clients send no origin
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Int("user_id", id.UserId).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(types.User{
		Id:        id.UserId,
		Username:  id.Name,
		AvatarUrl: id.AvatarUrl,
	}, conn, s.cs)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func toUser(u database.User) types.User {
	return types.User{
		Id:        u.Id,
		Username:  u.Username,
		AvatarUrl: u.AvatarUrl,
	}
}
