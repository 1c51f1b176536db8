package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var ErrUnauthorized = errors.New("credential rejected")

// Conn is an established connection carrying JSON envelopes.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer connects to the chat endpoint presenting the token as a
// bearer credential.
type WebsocketDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.Token)

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	return conn, nil
}

// isServerClose reports whether err is a close frame ending the session.
// Going-away frames are sent on server restarts and count as drops.
func isServerClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code != websocket.CloseAbnormalClosure && ce.Code != websocket.CloseGoingAway
}
