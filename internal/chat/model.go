package chat

import (
	"errors"
	"strings"
	"time"

	"go-privchat/internal/media"
)

const (
	dmRoomPrefix   = "dm:"
	userRoomPrefix = "user:"
)

var ErrRoomForbidden = errors.New("room is not joinable by this connection")

// Message is one durable entry of a two-party conversation.
type Message struct {
	ID          string             `json:"id"`
	Seq         int64              `json:"-"`
	Sender      string             `json:"sender"`
	Receiver    string             `json:"receiver"`
	Room        string             `json:"room"`
	Content     string             `json:"content"`
	Attachments []media.Attachment `json:"attachments"`
	MediaURLs   []string           `json:"mediaUrls"`
	VoiceURLs   []string           `json:"voiceUrls"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Conversation is the key shared by both directions of a pair.
func (m *Message) Conversation() string {
	return ConversationKey(m.Sender, m.Receiver)
}

// resolveURLs fills the derived URL lists from the attachments.
func (m *Message) resolveURLs() {
	if m.Attachments == nil {
		m.Attachments = []media.Attachment{}
	}
	m.MediaURLs = make([]string, 0, len(m.Attachments))
	m.VoiceURLs = []string{}
	for _, a := range m.Attachments {
		m.MediaURLs = append(m.MediaURLs, a.URL)
		if a.Kind == media.KindAudio {
			m.VoiceURLs = append(m.VoiceURLs, a.URL)
		}
	}
}

// Page is one slice of a conversation, oldest first.
type Page struct {
	Messages   []*Message `json:"messages"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ConversationKey names the conversation between a and b regardless of order.
// It doubles as the default room for the pair.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return dmRoomPrefix + a + ":" + b
}

// UserRoom is the room every connection authenticated as userID sits in.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// authorizeRoom decides whether a connection may join a room explicitly.
// Identity rooms are joined by the hub only; conversation rooms only by
// their participants. Everything else is an open named room.
func authorizeRoom(userID, room string) error {
	switch {
	case strings.HasPrefix(room, userRoomPrefix):
		return ErrRoomForbidden
	case strings.HasPrefix(room, dmRoomPrefix):
		a, b, ok := strings.Cut(strings.TrimPrefix(room, dmRoomPrefix), ":")
		if !ok || userID == "" || (userID != a && userID != b) {
			return ErrRoomForbidden
		}
	}
	return nil
}

// Websocket event types. Names match what the browser client listens for.
const (
	EventNewPrivateMessage = "newPrivateMessage"
	EventJoined            = "joined"
	EventLeft              = "left"
	EventAuthenticated     = "authenticated"
	EventError             = "error"

	ControlJoinRoom           = "joinRoom"
	ControlLeaveRoom          = "leaveRoom"
	ControlAuthenticate       = "authenticate"
	ControlSendPrivateMessage = "sendPrivateMessage"
)

// Event is a server to client frame.
type Event struct {
	Type    string   `json:"type"`
	Room    string   `json:"room,omitempty"`
	UserID  string   `json:"userId,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ControlMessage is a client to server frame.
type ControlMessage struct {
	Type  string `json:"type"`
	Room  string `json:"room,omitempty"`
	Token string `json:"token,omitempty"`
}
