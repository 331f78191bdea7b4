package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
	lastPut *s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(nil, "b", "")
	require.Error(t, err)
	_, err = NewS3Store(newFakeS3(), " ", "")
	require.Error(t, err)
}

func TestS3Store_RoundTrip(t *testing.T) {
	api := newFakeS3()
	store, err := NewS3Store(api, "chat-media", "voice")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV.ogg", "audio/ogg", strings.NewReader("clip")))
	require.Equal(t, "chat-media", aws.ToString(api.lastPut.Bucket))
	require.Equal(t, "voice/01ARZ3NDEKTSV4RRFFQ69G5FAV.ogg", aws.ToString(api.lastPut.Key))
	require.Equal(t, int64(4), aws.ToInt64(api.lastPut.ContentLength))
	require.Equal(t, "audio/ogg", aws.ToString(api.lastPut.ContentType))

	rc, err := store.Open(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV.ogg")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	require.Equal(t, "clip", string(data))

	require.NoError(t, store.Delete(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV.ogg"))
	_, err = store.Open(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV.ogg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_IngestRollbackOnPutError(t *testing.T) {
	api := newFakeS3()
	api.putErr = errors.New("throttled")
	store, err := NewS3Store(api, "chat-media", "")
	require.NoError(t, err)
	in := NewIngest(store, "http://x", 100, 2, zerolog.Nop())

	_, err = in.Store(context.Background(), []Upload{upload("a.ogg", oggHeader)})
	require.ErrorContains(t, err, "throttled")
	require.Empty(t, api.objects)
}
