package server

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/stats"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/rs/zerolog"
)

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
}

// RoomRouter maps conversations to the connections joined to them. The
// membership table is partitioned by a hash of the conversation id. Lock
// order is shard, then client.
type RoomRouter struct {
	log      zerolog.Logger
	shards   []*roomShard
	registry *Registry
	stats    stats.StatsProvider
}

func NewRoomRouter(logger zerolog.Logger, shards int, registry *Registry, su stats.StatsProvider) *RoomRouter {
	if shards < 1 {
		shards = 1
	}

	rr := &RoomRouter{
		log:      logger,
		shards:   make([]*roomShard, shards),
		registry: registry,
		stats:    su,
	}
	for i := range rr.shards {
		rr.shards[i] = &roomShard{rooms: make(map[string]map[string]*Client)}
	}

	return rr
}

func (rr *RoomRouter) shard(conversationId string) *roomShard {
	return rr.shards[xxhash.Sum64String(conversationId)%uint64(len(rr.shards))]
}

// Join is idempotent. It reports whether a membership was added.
func (rr *RoomRouter) Join(c *Client, conv database.Conversation) bool {
	s := rr.shard(conv.ExternalId)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[conv.ExternalId]
	if !ok {
		members = make(map[string]*Client)
		s.rooms[conv.ExternalId] = members
		rr.stats.Incr(stats.ActiveRooms)
	}
	if _, ok := members[c.id]; ok {
		return false
	}

	members[c.id] = c
	c.addRoom(conv)
	return true
}

// Leave is idempotent. It reports whether a membership was removed.
func (rr *RoomRouter) Leave(c *Client, conversationId string) bool {
	s := rr.shard(conversationId)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[conversationId]
	if !ok {
		return false
	}
	if _, ok := members[c.id]; !ok {
		return false
	}

	delete(members, c.id)
	c.delRoom(conversationId)
	if len(members) == 0 {
		delete(s.rooms, conversationId)
		rr.stats.Decr(stats.ActiveRooms)
	}

	return true
}

// DropConnection removes every membership of c.
func (rr *RoomRouter) DropConnection(c *Client) {
	for _, id := range c.roomIds() {
		rr.Leave(c, id)
	}
}

// Members returns a snapshot of the connections joined to the conversation.
func (rr *RoomRouter) Members(conversationId string) []*Client {
	s := rr.shard(conversationId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]*Client, 0, len(s.rooms[conversationId]))
	for _, c := range s.rooms[conversationId] {
		members = append(members, c)
	}
	return members
}

func (rr *RoomRouter) IsMember(c *Client, conversationId string) bool {
	s := rr.shard(conversationId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.rooms[conversationId][c.id]
	return ok
}

// Broadcast delivers env to every member of the conversation for which skip
// returns false and returns the number of successful deliveries. A failed
// delivery never stops the others; members whose connection has stopped are
// pruned.
func (rr *RoomRouter) Broadcast(conversationId string, env *types.Envelope, skip func(*Client) bool) int {
	delivered := 0
	for _, c := range rr.Members(conversationId) {
		if skip != nil && skip(c) {
			continue
		}

		if err := c.deliver(env); err != nil {
			rr.dropped(c, env, err)
			if errors.Is(err, errConnClosed) {
				rr.Leave(c, conversationId)
			}
			continue
		}
		delivered++
	}

	return delivered
}

// BroadcastToUser delivers env to every connection of the user, joined or not.
func (rr *RoomRouter) BroadcastToUser(userId int, env *types.Envelope) int {
	delivered := 0
	for _, c := range rr.registry.UserConnections(userId) {
		if err := c.deliver(env); err != nil {
			rr.dropped(c, env, err)
			continue
		}
		delivered++
	}

	return delivered
}

func (rr *RoomRouter) dropped(c *Client, env *types.Envelope, err error) {
	rr.stats.Incr(stats.TransportDrops)
	rr.log.Warn().Err(err).
		Str("conn_id", c.id).
		Int("user_id", c.user.Id).
		Str("event", env.Event).
		Msg("dropped event")
}

func skipNone(*Client) bool { return false }

func skipUser(userId int) func(*Client) bool {
	return func(o *Client) bool { return o.user.Id == userId }
}
