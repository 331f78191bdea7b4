package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"go-privchat/internal/metrics"
	"go-privchat/internal/presence"
)

// Conn is a live connection the hub can push to.
type Conn interface {
	presence.Subscriber
	// Deliver queues payload without blocking and reports whether it was
	// accepted.
	Deliver(payload []byte) bool
	Close()
}

// Hub routes persisted messages to the connections subscribed to their rooms.
// Without a broker the fan-out happens inline in Publish; with one, every
// instance fans out what it receives from the broker.
type Hub struct {
	rooms  *presence.Registry
	broker Broker
	log    zerolog.Logger
}

func NewHub(rooms *presence.Registry, broker Broker, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:  rooms,
		broker: broker,
		log:    log.With().Str("component", "hub").Logger(),
	}
}

// Publish sends a newPrivateMessage event to the message room and to the
// receiver's identity room. A connection in both gets it once.
//
// Without a broker, connections subscribed when Publish is called get the
// event and later joiners do not. With a broker, each instance takes its
// snapshot when the envelope comes back, so a connection joining in between
// may also receive it. If the broker publish fails, local subscribers are
// still served and the error is returned.
func (h *Hub) Publish(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(Event{Type: EventNewPrivateMessage, Room: msg.Room, Message: msg})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	env := Envelope{Rooms: deliveryRooms(msg), Payload: payload}

	if h.broker == nil {
		h.fanOut(env)
		return nil
	}
	if err := h.broker.Publish(ctx, env); err != nil {
		h.fanOut(env)
		return fmt.Errorf("broker publish: %w", err)
	}
	return nil
}

func deliveryRooms(msg *Message) []string {
	rooms := []string{msg.Room}
	if r := UserRoom(msg.Receiver); r != msg.Room {
		rooms = append(rooms, r)
	}
	return rooms
}

// fanOut pushes env to everyone subscribed right now. Connections whose
// buffer is full are dropped.
func (h *Hub) fanOut(env Envelope) {
	seen := make(map[string]struct{})
	var delivered, dropped int
	for _, room := range env.Rooms {
		for _, sub := range h.rooms.Subscribers(room) {
			if _, ok := seen[sub.ConnID()]; ok {
				continue
			}
			seen[sub.ConnID()] = struct{}{}

			c, ok := sub.(Conn)
			if !ok {
				continue
			}
			if c.Deliver(env.Payload) {
				delivered++
				continue
			}
			dropped++
			h.log.Warn().Str("conn_id", c.ConnID()).Str("room", room).Msg("slow consumer, closing connection")
			h.Unregister(c)
		}
	}

	metrics.Deliveries.WithLabelValues("delivered").Add(float64(delivered))
	metrics.Deliveries.WithLabelValues("dropped").Add(float64(dropped))
	h.log.Debug().Strs("rooms", env.Rooms).Int("delivered", delivered).Int("dropped", dropped).Msg("fan-out")
}

// Register adds a connection. An authenticated connection is subscribed to
// its identity room straight away.
func (h *Hub) Register(c Conn, userID string) error {
	if err := h.rooms.Connect(c); err != nil {
		return err
	}
	if userID != "" {
		if err := h.rooms.Join(c.ConnID(), UserRoom(userID)); err != nil {
			h.rooms.Disconnect(c.ConnID())
			return err
		}
	}
	h.observe()
	return nil
}

// Authenticate subscribes an already registered connection to its identity room.
func (h *Hub) Authenticate(connID, userID string) error {
	if err := h.rooms.Join(connID, UserRoom(userID)); err != nil {
		return err
	}
	h.observe()
	return nil
}

// Unregister releases every room of the connection and closes it. Safe to
// call more than once.
func (h *Hub) Unregister(c Conn) {
	h.rooms.Disconnect(c.ConnID())
	c.Close()
	h.observe()
}

// Join subscribes a connection to a room the user is allowed in.
func (h *Hub) Join(connID, userID, room string) error {
	if err := authorizeRoom(userID, room); err != nil {
		return err
	}
	if err := h.rooms.Join(connID, room); err != nil {
		return err
	}
	h.observe()
	return nil
}

func (h *Hub) Leave(connID, room string) error {
	if strings.HasPrefix(room, userRoomPrefix) {
		return ErrRoomForbidden
	}
	if err := h.rooms.Leave(connID, room); err != nil {
		return err
	}
	h.observe()
	return nil
}

// RoomsOf lists the rooms a connection is in.
func (h *Hub) RoomsOf(connID string) []string {
	return h.rooms.RoomsOf(connID)
}

// Run consumes the broker until ctx is done, resubscribing after failures.
// It returns immediately when there is no broker.
func (h *Hub) Run(ctx context.Context) {
	if h.broker == nil {
		return
	}

	backoff := 500 * time.Millisecond
	for {
		err := h.broker.Subscribe(ctx, h.fanOut)
		if ctx.Err() != nil {
			return
		}
		h.log.Error().Err(err).Dur("retry_in", backoff).Msg("broker subscription lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

func (h *Hub) observe() {
	conns, rooms := h.rooms.Stats()
	metrics.ActiveConnections.Set(float64(conns))
	metrics.ActiveRooms.Set(float64(rooms))
}
