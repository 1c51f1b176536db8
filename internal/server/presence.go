package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/types"
)

type presenceEntry struct {
	conns map[string]*Client
}

type presenceShard struct {
	mu    sync.Mutex
	users map[int]*presenceEntry
}

// presenceChange is an online/offline transition of a user.
type presenceChange struct {
	user     types.User
	online   bool
	lastSeen time.Time
}

// Registry tracks the open connections of every user. It is partitioned by
// user id; the online/offline transition of a user is decided under its
// shard lock, so concurrent devices of one user never both report it.
type Registry struct {
	shards  []*presenceShard
	online  atomic.Int64
	conns   atomic.Int64
	changes *changeQueue
	now     func() time.Time
}

func NewRegistry(shards int) *Registry {
	if shards < 1 {
		shards = 1
	}

	r := &Registry{
		shards:  make([]*presenceShard, shards),
		changes: newChangeQueue(),
		now:     Now,
	}
	for i := range r.shards {
		r.shards[i] = &presenceShard{users: make(map[int]*presenceEntry)}
	}

	return r
}

func (r *Registry) shard(userId int) *presenceShard {
	return r.shards[uint(userId)%uint(len(r.shards))]
}

// Register adds the connection and reports whether the user went online.
func (r *Registry) Register(c *Client) bool {
	s := r.shard(c.user.Id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[c.user.Id]
	if !ok {
		e = &presenceEntry{conns: make(map[string]*Client)}
		s.users[c.user.Id] = e
	}
	if _, dup := e.conns[c.id]; dup {
		return false
	}

	e.conns[c.id] = c
	r.conns.Add(1)

	if len(e.conns) == 1 {
		r.online.Add(1)
		r.changes.push(presenceChange{user: c.user, online: true})
		return true
	}

	return false
}

// Deregister removes the connection and reports whether the user went offline.
func (r *Registry) Deregister(c *Client) bool {
	s := r.shard(c.user.Id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[c.user.Id]
	if !ok {
		return false
	}
	if _, ok := e.conns[c.id]; !ok {
		return false
	}

	delete(e.conns, c.id)
	r.conns.Add(-1)

	if len(e.conns) > 0 {
		return false
	}

	delete(s.users, c.user.Id)
	r.online.Add(-1)
	r.changes.push(presenceChange{user: c.user, online: false, lastSeen: r.now()})

	return true
}

func (r *Registry) IsOnline(userId int) bool {
	s := r.shard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	return ok && len(e.conns) > 0
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	return int(r.online.Load())
}

// Connections returns the number of open connections.
func (r *Registry) Connections() int {
	return int(r.conns.Load())
}

// UserConnections returns a snapshot of the user's connections.
func (r *Registry) UserConnections(userId int) []*Client {
	s := r.shard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		return nil
	}

	conns := make([]*Client, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// All returns a snapshot of every open connection.
func (r *Registry) All() []*Client {
	var all []*Client
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.users {
			for _, c := range e.conns {
				all = append(all, c)
			}
		}
		s.mu.Unlock()
	}
	return all
}

// changeQueue is an unbounded FIFO of presence changes. It is pushed to while
// a shard lock is held and drained by the server loop, which keeps the order
// of transitions per user.
type changeQueue struct {
	mu    sync.Mutex
	items []presenceChange
	ready chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{ready: make(chan struct{}, 1)}
}

func (q *changeQueue) push(c presenceChange) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *changeQueue) drain() []presenceChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}
