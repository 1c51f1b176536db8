package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/stats"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/npezzotti/skillswap-chat/internal/usage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const orderingStripes = 64

type UsageTracker interface {
	CheckUsageLimit(ctx context.Context, userId int, action string) (usage.Status, error)
	UpdateUsageTracking(ctx context.Context, userId int, action string) (int, error)
}

type Options struct {
	TypingTimeout  time.Duration
	EventRate      rate.Limit
	EventBurst     int
	Shards         int
	RequestTimeout time.Duration
	MaxContentLen  int
}

func DefaultOptions() Options {
	return Options{
		TypingTimeout:  3 * time.Second,
		EventRate:      10,
		EventBurst:     20,
		Shards:         16,
		RequestTimeout: 10 * time.Second,
		MaxContentLen:  4000,
	}
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log      zerolog.Logger
	db       database.ChatRepository
	usage    UsageTracker
	stats    stats.StatsProvider
	opts     Options
	registry *Registry
	router   *RoomRouter
	typing   *TypingCoordinator
	handlers map[string]eventHandler
	// stripes serialize persist and broadcast per conversation so room
	// members observe messages in persistence order.
	stripes [orderingStripes]sync.Mutex
	stop    chan stopReq
}

func NewChatServer(logger zerolog.Logger, db database.ChatRepository, tracker UsageTracker, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if opts.TypingTimeout <= 0 || opts.EventBurst < 1 || opts.RequestTimeout <= 0 || opts.MaxContentLen <= 0 {
		return nil, fmt.Errorf("invalid chat server options: %+v", opts)
	}

	stats.RegisterDefaults(su)

	registry := NewRegistry(opts.Shards)
	router := NewRoomRouter(logger, opts.Shards, registry, su)

	cs := &ChatServer{
		log:      logger,
		db:       db,
		usage:    tracker,
		stats:    su,
		opts:     opts,
		registry: registry,
		router:   router,
		typing:   NewTypingCoordinator(router, opts.TypingTimeout),
		stop:     make(chan stopReq),
	}
	cs.handlers = cs.newHandlers()

	return cs, nil
}

// Run fans out presence changes until Shutdown is called.
func (cs *ChatServer) Run() {
	for {
		select {
		case <-cs.registry.changes.ready:
			for _, change := range cs.registry.changes.drain() {
				cs.broadcastPresence(change)
			}
		case req := <-cs.stop:
			cs.log.Info().Int("connections", cs.registry.Connections()).Msg("closing client connections")
			for _, c := range cs.registry.All() {
				c.stopClient()
			}
			cs.typing.StopAll()

			close(req.done)
			return
		}
	}
}

// broadcastPresence sends user_online or user_offline to every connection of
// every other user.
func (cs *ChatServer) broadcastPresence(change presenceChange) {
	payload := types.Presence{UserId: change.user.Id, Name: change.user.Username}
	name := types.EventUserOnline
	if !change.online {
		name = types.EventUserOffline
		lastSeen := change.lastSeen
		payload.LastSeen = &lastSeen
	}

	env := event(name, payload)
	for _, c := range cs.registry.All() {
		if c.user.Id == change.user.Id {
			continue
		}
		if err := c.deliver(env); err != nil {
			cs.router.dropped(c, env, err)
		}
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.stats.Incr(stats.ActiveConnections)
	if cs.registry.Register(c) {
		cs.stats.Incr(stats.OnlineUsers)
		c.log.Info().Msg("user online")
	}
}

// DeRegisterClient drops the memberships, typing state and presence of c.
func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.router.DropConnection(c)
	cs.typing.DropConnection(c)

	cs.stats.Decr(stats.ActiveConnections)
	if cs.registry.Deregister(c) {
		cs.stats.Decr(stats.OnlineUsers)
		c.log.Info().Msg("user offline")
	}
}

func (cs *ChatServer) IsOnline(userId int) bool {
	return cs.registry.IsOnline(userId)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockConversation locks the ordering stripe of the conversation and returns
// the unlock func.
func (cs *ChatServer) lockConversation(conversationId string) func() {
	mu := &cs.stripes[xxhash.Sum64String(conversationId)%orderingStripes]
	mu.Lock()
	return mu.Unlock
}
