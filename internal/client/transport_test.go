package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebsocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		conn.WriteJSON(types.Envelope{Event: types.EventAck, Ref: env.Ref})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("presents the token", func(t *testing.T) {
		d := &WebsocketDialer{URL: wsURL, Token: "good-token"}
		conn, err := d.Dial(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(&types.Envelope{Event: types.EventJoinConversation, Ref: "r1"}))

		var env types.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		assert.Equal(t, types.EventAck, env.Event)
		assert.Equal(t, "r1", env.Ref)
	})

	t.Run("rejected credential", func(t *testing.T) {
		d := &WebsocketDialer{URL: wsURL, Token: "bad-token"}
		_, err := d.Dial(context.Background())
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unreachable", func(t *testing.T) {
		d := &WebsocketDialer{URL: "ws://127.0.0.1:1/ws", Token: "good-token"}
		_, err := d.Dial(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnauthorized)
	})
}
