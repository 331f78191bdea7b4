package chat

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go-privchat/internal/media"
	myMiddleware "go-privchat/internal/middleware"
	"go-privchat/internal/presence"
)

// oggVoice is the start of an Ogg/Opus clip as browsers record it.
var oggVoice = append([]byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00\x00\x00\x01\x02\x03\x04\x00\x00\x00\x00\x00\x00\x00\x00\x01\x13"), []byte("OpusHead\x01\x01\x38\x01\x80\xbb\x00\x00\x00\x00\x00")...)

var (
	alice = myMiddleware.Identity{UserID: "alice", Username: "Alice"}
	bob   = myMiddleware.Identity{UserID: "bob", Username: "Bob"}
)

// memStore is an in-memory Store with the same ordering rules as Repository.
type memStore struct {
	mu        sync.Mutex
	seq       int64
	msgs      []*Message
	appendErr error
}

func (s *memStore) Append(_ context.Context, msg *Message) error {
	if err := checkAppendable(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}

	s.seq++
	msg.Seq = s.seq
	msg.ID = ulid.Make().String()
	if msg.Room == "" {
		msg.Room = msg.Conversation()
	}
	msg.CreatedAt = time.Now().UTC()
	for i := range msg.Attachments {
		msg.Attachments[i].MessageID = msg.ID
	}
	msg.resolveURLs()

	stored := *msg
	s.msgs = append(s.msgs, &stored)
	return nil
}

func (s *memStore) History(_ context.Context, a, b, cursor string, limit int) (*Page, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := ConversationKey(a, b)
	var out []*Message
	for _, m := range s.msgs {
		if m.Conversation() != conv || m.Seq <= after {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if len(out) > limit {
			break
		}
	}
	return buildPage(out, limit), nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// fakeConn records what the hub delivers.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ConnID() string { return f.id }

func (f *fakeConn) Deliver(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.frames = append(f.frames, payload)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0, len(f.frames))
	for _, p := range f.frames {
		var ev Event
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

// tokens is a TokenValidator keyed by raw token.
type tokens map[string]myMiddleware.Identity

func (tk tokens) ValidateToken(token string) (string, string, error) {
	id, ok := tk[token]
	if !ok {
		return "", "", errors.New("unknown token")
	}
	return id.UserID, id.Username, nil
}

var testTokens = tokens{"alice-token": alice, "bob-token": bob}

type failingBus struct{}

func (failingBus) Publish(context.Context, *Message) error { return errors.New("bus down") }

type testEnv struct {
	store  *memStore
	ingest *media.Ingest
	blobs  string
	hub    *Hub
	svc    *Service
}

func newTestEnv(t *testing.T, maxBytes int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	fs, err := media.NewFSStore(dir)
	require.NoError(t, err)

	env := &testEnv{
		store:  &memStore{},
		ingest: media.NewIngest(fs, "http://chat.test", maxBytes, 5, zerolog.Nop()),
		blobs:  dir,
		hub:    NewHub(presence.NewRegistry(), nil, zerolog.Nop()),
	}
	env.svc = NewService(env.store, env.ingest, env.hub, zerolog.Nop())
	return env
}

func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.blobs)
	require.NoError(t, err)
	return len(entries)
}

// connect registers a fake connection, authenticated when userID is set.
func (e *testEnv) connect(t *testing.T, id, userID string) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	require.NoError(t, e.hub.Register(c, userID))
	return c
}
