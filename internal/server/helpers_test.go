package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/stats"
	"github.com/npezzotti/skillswap-chat/internal/testutil"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/npezzotti/skillswap-chat/internal/usage"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.User{Id: 1, Username: "alice"}
	bob   = types.User{Id: 2, Username: "bob"}
	carol = types.User{Id: 3, Username: "carol"}

	testConv = database.Conversation{Id: 10, ExternalId: "conv1", UserLowId: alice.Id, UserHighId: bob.Id}
)

func newMockStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterGauge", mock.Anything, mock.Anything).Return()
	su.On("RegisterCounter", mock.Anything, mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()
	return su
}

// memCounter is an in-memory usage.Counter.
type memCounter struct {
	mu     sync.Mutex
	counts map[counterKey]int
}

type counterKey struct {
	userId int
	action string
	period string
}

func newMemCounter() *memCounter {
	return &memCounter{counts: make(map[counterKey]int)}
}

func (m *memCounter) Count(_ context.Context, userId int, action, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[counterKey{userId, action, period}], nil
}

func (m *memCounter) Increment(_ context.Context, userId int, action, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{userId, action, period}
	m.counts[k]++
	return m.counts[k], nil
}

func (m *memCounter) total(userId int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.counts {
		if k.userId == userId {
			n += v
		}
	}
	return n
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TypingTimeout = 50 * time.Millisecond
	opts.Shards = 4
	return opts
}

// newTestChatServer returns a server whose users are all on a tier limited
// to limit messages.
func newTestChatServer(t *testing.T, db database.ChatRepository, counter usage.Counter, limit int) *ChatServer {
	t.Helper()

	if counter == nil {
		counter = newMemCounter()
	}
	tracker := usage.NewTracker(counter, db, usage.Limits{database.TierFree: limit})

	cs, err := NewChatServer(testutil.TestLogger(t), db, tracker, newMockStats(), testOptions())
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

func newTestClient(cs *ChatServer, user types.User) *Client {
	return NewClient(user, nil, cs)
}

// connect registers a client for user and joins it to the given conversations.
func connect(cs *ChatServer, user types.User, convs ...database.Conversation) *Client {
	c := newTestClient(cs, user)
	cs.RegisterClient(c)
	for _, conv := range convs {
		cs.router.Join(c, conv)
	}
	return c
}

func expectEvent(t *testing.T, c *Client, name string) *types.Envelope {
	t.Helper()

	select {
	case env := <-c.send:
		require.Equal(t, name, env.Event, "expected %s event for user %d", name, c.user.Id)
		return env
	case <-time.After(time.Second):
		t.Fatalf("expected %s event for user %d, got none", name, c.user.Id)
		return nil
	}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()

	select {
	case env := <-c.send:
		t.Errorf("expected no event for user %d, got %s", c.user.Id, env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeData[T any](t *testing.T, env *types.Envelope) T {
	t.Helper()

	var v T
	require.NoError(t, env.Decode(&v), "failed to decode %s payload", env.Event)
	return v
}

func request(t *testing.T, name, ref string, data any) *types.Envelope {
	t.Helper()

	env, err := types.NewEnvelope(name, ref, data)
	require.NoError(t, err)
	return env
}

// drainEvents discards everything queued for c.
func drainEvents(c *Client) {
	for {
		select {
		case <-c.send:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}
