package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	myMiddleware "go-privchat/internal/middleware"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Control frames only; messages go over HTTP.
	sendBuffer     = 256
)

// ConnState is where a connection is in its lifecycle.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Authenticator turns a bearer token into an identity.
type Authenticator func(token string) (myMiddleware.Identity, error)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id           string
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	authenticate Authenticator
	log          zerolog.Logger

	mu       sync.Mutex
	closed   bool
	identity myMiddleware.Identity
}

func newClient(hub *Hub, conn *websocket.Conn, auth Authenticator, id myMiddleware.Identity, log zerolog.Logger) *Client {
	connID := uuid.NewString()
	return &Client{
		id:           connID,
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		authenticate: auth,
		identity:     id,
		log:          log.With().Str("conn_id", connID).Logger(),
	}
}

func (c *Client) ConnID() string { return c.id }

// Deliver queues payload for the write pump. It never blocks.
func (c *Client) Deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which in turn closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.UserID
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	closed, userID := c.closed, c.identity.UserID
	c.mu.Unlock()

	if closed {
		return StateDisconnected
	}
	for _, room := range c.hub.RoomsOf(c.id) {
		if !strings.HasPrefix(room, userRoomPrefix) {
			return StateJoined
		}
	}
	if userID != "" {
		return StateAuthenticated
	}
	return StateConnecting
}

// readPump handles control frames until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		c.handleFrame(data)
	}
}

// writePump writes one event per frame and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	ctl, err := parseControl(data)
	if err != nil {
		c.reply(Event{Type: EventError, Error: err.Error()})
		return
	}

	switch ctl.Type {
	case ControlJoinRoom:
		if err := c.hub.Join(c.id, c.userID(), ctl.Room); err != nil {
			c.reply(Event{Type: EventError, Room: ctl.Room, Error: err.Error()})
			return
		}
		c.reply(Event{Type: EventJoined, Room: ctl.Room})

	case ControlLeaveRoom:
		if err := c.hub.Leave(c.id, ctl.Room); err != nil {
			c.reply(Event{Type: EventError, Room: ctl.Room, Error: err.Error()})
			return
		}
		c.reply(Event{Type: EventLeft, Room: ctl.Room})

	case ControlAuthenticate:
		c.handleAuthenticate(ctl.Token)

	case ControlSendPrivateMessage:
		c.reply(Event{Type: EventError, Error: "messages are sent with POST /messages"})

	default:
		c.reply(Event{Type: EventError, Error: "unknown frame type " + ctl.Type})
	}
}

func (c *Client) handleAuthenticate(token string) {
	if c.authenticate == nil {
		c.reply(Event{Type: EventError, Error: "authentication is not available"})
		return
	}
	id, err := c.authenticate(token)
	if err != nil {
		c.reply(Event{Type: EventError, Error: "invalid token"})
		return
	}

	c.mu.Lock()
	current := c.identity.UserID
	if current == "" {
		c.identity = id
	}
	c.mu.Unlock()
	if current != "" && current != id.UserID {
		c.reply(Event{Type: EventError, Error: "connection is already authenticated"})
		return
	}

	if err := c.hub.Authenticate(c.id, id.UserID); err != nil {
		c.reply(Event{Type: EventError, Error: err.Error()})
		return
	}
	c.reply(Event{Type: EventAuthenticated, UserID: id.UserID})
}

func (c *Client) reply(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.log.Error().Err(err).Msg("encode event")
		return
	}
	if !c.Deliver(payload) {
		c.hub.Unregister(c)
	}
}

// parseControl accepts a control object or, like socket.io's emit of a
// bare room name, a JSON string meaning joinRoom.
func parseControl(data []byte) (ControlMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var room string
		if err := json.Unmarshal(data, &room); err != nil {
			return ControlMessage{}, errors.New("malformed frame")
		}
		return ControlMessage{Type: ControlJoinRoom, Room: room}, nil
	}

	var ctl ControlMessage
	if err := json.Unmarshal(data, &ctl); err != nil {
		return ControlMessage{}, errors.New("malformed frame")
	}
	return ctl, nil
}
