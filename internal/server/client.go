package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendQueueSize  = 256
)

// Client is one websocket connection of a user.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	user       types.User
	send       chan *types.Envelope
	rooms      map[string]database.Conversation
	roomsLock  sync.RWMutex
	limiter    *rate.Limiter
	createdAt  time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        cs.log.With().Str("conn_id", id).Int("user_id", user.Id).Logger(),
		user:       user,
		send:       make(chan *types.Envelope, sendQueueSize),
		rooms:      make(map[string]database.Conversation),
		limiter:    rate.NewLimiter(cs.opts.EventRate, cs.opts.EventBurst),
		createdAt:  Now(),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case env := <-c.send:
			bytes, err := serializeMessage(env)
			if err != nil {
				c.log.Error().Err(err).Str("event", env.Event).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		var env types.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(errorEvent("", fmt.Errorf("%w: malformed frame", ErrInvalidMessage)))
			continue
		}

		if !c.limiter.Allow() {
			c.queueMessage(errorEvent(env.Ref, ErrRateLimited))
			continue
		}

		c.chatServer.dispatch(c, &env)
	}
}

// deliver enqueues env without blocking.
func (c *Client) deliver(env *types.Envelope) error {
	select {
	case <-c.stop:
		return errConnClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrTransport)
	}
}

func (c *Client) queueMessage(env *types.Envelope) bool {
	if err := c.deliver(env); err != nil {
		c.log.Warn().Err(err).Str("event", env.Event).Msg("failed to send message to client")
		return false
	}

	return true
}

func serializeMessage(env *types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.stopClient()
	c.chatServer.DeRegisterClient(c)
}

func (c *Client) addRoom(conv database.Conversation) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[conv.ExternalId] = conv
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

// room returns the joined conversation with the given external id.
func (c *Client) room(id string) (database.Conversation, bool) {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	conv, ok := c.rooms[id]
	return conv, ok
}

func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
