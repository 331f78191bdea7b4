package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-privchat/internal/media"
	myMiddleware "go-privchat/internal/middleware"
)

func voiceUpload() media.Upload {
	return media.Upload{
		Filename:    "voiceMessage.ogg",
		ContentType: "audio/ogg",
		Size:        int64(len(oggVoice)),
		Body:        bytes.NewReader(oggVoice),
	}
}

func TestSend_TextMessage(t *testing.T) {
	env := newTestEnv(t, 1024)
	ctx := context.Background()
	inbox := env.connect(t, "bob-1", bob.UserID)

	msg, err := env.svc.Send(ctx, alice, &SendRequest{Receiver: "bob", Content: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, ConversationKey("alice", "bob"), msg.Room)
	assert.Equal(t, "hello", msg.Content)
	assert.NotNil(t, msg.MediaURLs)
	assert.Empty(t, msg.MediaURLs)
	assert.False(t, msg.CreatedAt.IsZero())

	page, err := env.svc.History(ctx, bob, "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].ID)

	events := inbox.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, EventNewPrivateMessage, events[0].Type)
	assert.Equal(t, msg.ID, events[0].Message.ID)
}

func TestSend_VoiceClip(t *testing.T) {
	env := newTestEnv(t, 1024)

	msg, err := env.svc.Send(context.Background(), alice, &SendRequest{
		Sender:   "alice",
		Receiver: "bob",
		Files:    []media.Upload{voiceUpload()},
	})
	require.NoError(t, err)

	require.Len(t, msg.MediaURLs, 1)
	require.Len(t, msg.VoiceURLs, 1)
	assert.Equal(t, msg.MediaURLs[0], msg.VoiceURLs[0])
	assert.Contains(t, msg.MediaURLs[0], "http://chat.test/media/")
	assert.Equal(t, media.KindAudio, msg.Attachments[0].Kind)
	assert.Equal(t, msg.ID, msg.Attachments[0].MessageID)
	assert.Equal(t, 1, env.blobCount(t))
}

func TestSend_OversizedAttachmentLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, 1024)
	inbox := env.connect(t, "bob-1", bob.UserID)

	big := bytes.Repeat([]byte{0xAB}, 2048)
	_, err := env.svc.Send(context.Background(), alice, &SendRequest{
		Receiver: "bob",
		Content:  "see attached",
		Files: []media.Upload{
			voiceUpload(),
			{Filename: "huge.bin", Size: int64(len(big)), Body: bytes.NewReader(big)},
		},
	})
	require.Error(t, err)
	assert.Equal(t, CodePayloadTooLarge, CodeOf(err))

	assert.Zero(t, env.store.count())
	assert.Zero(t, env.blobCount(t))
	assert.Empty(t, inbox.events(t))
}

func TestSend_Unauthorized(t *testing.T) {
	env := newTestEnv(t, 1024)
	ctx := context.Background()

	_, err := env.svc.Send(ctx, myMiddleware.Identity{}, &SendRequest{Receiver: "bob", Content: "hi"})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	_, err = env.svc.Send(ctx, alice, &SendRequest{Sender: "mallory", Receiver: "bob", Content: "hi"})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	assert.Zero(t, env.store.count())
}

func TestSend_Validation(t *testing.T) {
	env := newTestEnv(t, 1024)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
	}{
		{name: "no receiver", req: SendRequest{Content: "hi"}},
		{name: "empty", req: SendRequest{Receiver: "bob"}},
		{name: "whitespace only", req: SendRequest{Receiver: "bob", Content: " \n\t "}},
		{name: "identity room", req: SendRequest{Receiver: "bob", Room: UserRoom("bob"), Content: "hi"}},
		{name: "foreign conversation", req: SendRequest{Receiver: "bob", Room: ConversationKey("carol", "dave"), Content: "hi"}},
		{name: "colon in receiver", req: SendRequest{Receiver: "b:ob", Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := env.svc.Send(ctx, alice, &req)
			assert.Equal(t, CodeValidation, CodeOf(err))
		})
	}
	assert.Zero(t, env.store.count())
}

func TestSend_TooManyAttachments(t *testing.T) {
	env := newTestEnv(t, 1024)

	files := make([]media.Upload, 6)
	for i := range files {
		files[i] = voiceUpload()
	}
	_, err := env.svc.Send(context.Background(), alice, &SendRequest{Receiver: "bob", Files: files})
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Zero(t, env.blobCount(t))
}

func TestSend_StoresContentVerbatim(t *testing.T) {
	env := newTestEnv(t, 1024)
	ctx := context.Background()

	tests := []struct {
		in   string
		want string
	}{
		{in: "if a<b then c", want: "if a<b then c"},
		{in: "use <br> for breaks", want: "use <br> for breaks"},
		{in: "<hello>", want: "<hello>"},
		{in: "  fish &amp; chips\n", want: "fish &amp; chips"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			msg, err := env.svc.Send(ctx, alice, &SendRequest{Receiver: "bob", Content: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Content)

			page, err := env.svc.History(ctx, bob, "alice", "", 100)
			require.NoError(t, err)
			require.NotEmpty(t, page.Messages)
			assert.Equal(t, tt.want, page.Messages[len(page.Messages)-1].Content)
		})
	}
}

func TestSend_StoreFailureDiscardsBlobs(t *testing.T) {
	env := newTestEnv(t, 1024)
	env.store.appendErr = errors.New("connection refused")
	inbox := env.connect(t, "bob-1", bob.UserID)

	_, err := env.svc.Send(context.Background(), alice, &SendRequest{
		Receiver: "bob",
		Files:    []media.Upload{voiceUpload()},
	})
	require.Error(t, err)
	assert.Equal(t, CodeStorageFailure, CodeOf(err))
	assert.True(t, CodeOf(err).Retryable())
	assert.Zero(t, env.blobCount(t))
	assert.Empty(t, inbox.events(t))
}

func TestSend_DeliveryFailureDoesNotFailWrite(t *testing.T) {
	env := newTestEnv(t, 1024)
	svc := NewService(env.store, env.ingest, failingBus{}, zerolog.Nop())

	msg, err := svc.Send(context.Background(), alice, &SendRequest{Receiver: "bob", Content: "still saved"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, 1, env.store.count())
}

func TestSend_NamedRoom(t *testing.T) {
	env := newTestEnv(t, 1024)
	watcher := env.connect(t, "anon-1", "")
	require.NoError(t, env.hub.Join("anon-1", "", "lobby"))

	msg, err := env.svc.Send(context.Background(), alice, &SendRequest{Receiver: "bob", Room: "lobby", Content: "hey"})
	require.NoError(t, err)
	assert.Equal(t, "lobby", msg.Room)

	events := watcher.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "lobby", events[0].Room)
}

func TestSend_ConcurrentAppends(t *testing.T) {
	env := newTestEnv(t, 1024)
	inbox := env.connect(t, "bob-1", bob.UserID)
	const n = 40

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.Send(context.Background(), alice, &SendRequest{Receiver: "bob", Content: fmt.Sprintf("msg %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	page, err := env.svc.History(context.Background(), alice, "bob", "", 100)
	require.NoError(t, err)
	require.Len(t, page.Messages, n)

	ids := make(map[string]struct{}, n)
	for i, m := range page.Messages {
		ids[m.ID] = struct{}{}
		if i > 0 {
			assert.Greater(t, m.Seq, page.Messages[i-1].Seq)
		}
	}
	assert.Len(t, ids, n)
	assert.Len(t, inbox.events(t), n)
}

func TestHistory_PagesAndExport(t *testing.T) {
	env := newTestEnv(t, 1024)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := env.svc.Send(ctx, alice, &SendRequest{Receiver: "bob", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	_, err := env.svc.Send(ctx, alice, &SendRequest{Receiver: "carol", Content: "elsewhere"})
	require.NoError(t, err)

	var got []string
	cursor := ""
	for {
		page, err := env.svc.History(ctx, bob, "alice", cursor, 2)
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.Content)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, got)

	messages, err := env.svc.Export(ctx, alice, "bob")
	require.NoError(t, err)
	var exported []string
	for m, err := range messages {
		require.NoError(t, err)
		exported = append(exported, m.Content)
	}
	assert.Equal(t, got, exported)

	_, err = env.svc.History(ctx, bob, "alice", "not-a-cursor", 2)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = env.svc.History(ctx, bob, "", "", 2)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = env.svc.History(ctx, myMiddleware.Identity{}, "alice", "", 2)
	assert.Equal(t, CodeUnauthorized, CodeOf(err))
}

func TestIterate_StopsEarlyAndOnError(t *testing.T) {
	env := newTestEnv(t, 1024)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := env.svc.Send(ctx, alice, &SendRequest{Receiver: "bob", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	seen := 0
	for _, err := range Iterate(ctx, env.store, "alice", "bob", "", 3) {
		require.NoError(t, err)
		seen++
		if seen == 4 {
			break
		}
	}
	assert.Equal(t, 4, seen)

	var gotErr error
	for _, err := range Iterate(ctx, env.store, "alice", "bob", "bogus", 3) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, ErrInvalidCursor)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for _, err := range Iterate(cancelled, env.store, "alice", "bob", "", 3) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
}
