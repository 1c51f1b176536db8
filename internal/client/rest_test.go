package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPIServer(t *testing.T, handler http.HandlerFunc) *RestClient {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"status_code": 401, "message": "unauthorized"})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return NewRestClient(srv.URL+"/", "tok", srv.Client())
}

func TestRestClientConversations(t *testing.T) {
	rc := newTestAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/conversations", r.URL.Path)
		json.NewEncoder(w).Encode([]types.Conversation{{Id: "a", UnreadCount: 2}})
	})

	convs, err := rc.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "a", convs[0].Id)
	assert.Equal(t, 2, convs[0].UnreadCount)
}

func TestRestClientHistory(t *testing.T) {
	tcases := []struct {
		name      string
		before    int
		limit     int
		wantQuery string
	}{
		{"latest page", 0, 0, ""},
		{"older page", 42, 20, "before=42&limit=20"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rc := newTestAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/conversations/abc/messages", r.URL.Path)
				assert.Equal(t, tc.wantQuery, r.URL.RawQuery)
				json.NewEncoder(w).Encode([]types.Message{msg(1, "abc", peer, "hi")})
			})

			msgs, err := rc.History(context.Background(), "abc", tc.before, tc.limit)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "hi", msgs[0].Content)
		})
	}
}

func TestRestClientStartConversation(t *testing.T) {
	rc := newTestAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body["participantId"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.Conversation{Id: "new"})
	})

	conv, err := rc.StartConversation(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "new", conv.Id)
}

func TestRestClientErrors(t *testing.T) {
	t.Run("api error body", func(t *testing.T) {
		rc := newTestAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"status_code": 403, "message": "forbidden"})
		})

		_, err := rc.History(context.Background(), "abc", 0, 0)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
		assert.Equal(t, "forbidden", apiErr.Message)
	})

	t.Run("no body", func(t *testing.T) {
		rc := newTestAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := rc.Notifications(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Service Unavailable", apiErr.Message)
	})

	t.Run("bad credential", func(t *testing.T) {
		rc := newTestAPIServer(t, nil)
		rc.token = "other"

		_, err := rc.Conversations(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	})
}
