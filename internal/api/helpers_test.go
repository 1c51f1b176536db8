package api

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/auth"
	"github.com/npezzotti/skillswap-chat/internal/config"
	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/server"
	"github.com/npezzotti/skillswap-chat/internal/stats"
	"github.com/npezzotti/skillswap-chat/internal/testutil"
	"github.com/npezzotti/skillswap-chat/internal/usage"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testSigningKey = []byte("test-signing-key")

	aliceRow = database.User{Id: 1, Username: "alice", Tier: database.TierFree}
	bobRow   = database.User{Id: 2, Username: "bob", AvatarUrl: "https://cdn.example.com/bob.png", Tier: database.TierPro}

	testConv = database.Conversation{
		Id:            10,
		ExternalId:    "conv1",
		UserLowId:     aliceRow.Id,
		UserHighId:    bobRow.Id,
		LastMessageAt: time.Date(2026, time.October, 2, 8, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2026, time.October, 1, 8, 0, 0, 0, time.UTC),
	}
)

type testApp struct {
	*ChatApp
	db *database.MockChatRepository
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	db := &database.MockChatRepository{}
	logger := testutil.TestLogger(t)
	su := stats.NewStatsUpdater()
	tracker := usage.NewTracker(usage.NewRepositoryCounter(db), db, usage.Limits{database.TierFree: 10})

	cs, err := server.NewChatServer(logger, db, tracker, su, server.DefaultOptions())
	require.NoError(t, err, "failed to create chat server")

	cfg := &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	return &testApp{
		ChatApp: NewChatApp(logger, cs, db, auth.NewAuthenticator(testSigningKey, db), su, cfg),
		db:      db,
	}
}

// expectUser makes the repository resolve u, which every authenticated
// request needs.
func (a *testApp) expectUser(u database.User) {
	a.db.On("GetUserById", mock.Anything, u.Id).Return(u, nil)
}

func issueToken(t *testing.T, userId int) string {
	t.Helper()

	token, err := auth.NewAuthenticator(testSigningKey, nil).IssueToken(userId, time.Hour)
	require.NoError(t, err, "failed to issue token")
	return token
}

func (a *testApp) do(t *testing.T, method, target string, body io.Reader, userId int) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	if userId > 0 {
		req.Header.Set("Authorization", "Bearer "+issueToken(t, userId))
	}

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func (a *testApp) run(t *testing.T) {
	go a.cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.cs.Shutdown(ctx)
	})
}

