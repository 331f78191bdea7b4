// Package media stores message attachments and hands out stable URLs for them.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"go-privchat/internal/metrics"
)

var (
	// ErrPayloadTooLarge is returned when an attachment exceeds the size limit.
	ErrPayloadTooLarge = errors.New("attachment exceeds size limit")
	// ErrTooManyAttachments is returned when a submission carries too many files.
	ErrTooManyAttachments = errors.New("too many attachments")
	// ErrNotFound is returned for unknown or malformed blob keys.
	ErrNotFound = errors.New("attachment not found")
)

const (
	KindAudio = "audio"
	KindImage = "image"
	KindVideo = "video"
	KindFile  = "file"
)

// sniffLen matches what mimetype inspects by default.
const sniffLen = 3072

// keyPattern is a ULID with an optional lowercase extension.
var keyPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}(\.[a-z0-9]{1,10})?$`)

// BlobStore is where attachment bytes live.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Upload is one incoming binary part.
type Upload struct {
	Filename    string
	ContentType string // as declared by the client, used only as a hint
	Size        int64  // as declared by the client
	Body        io.Reader
}

// Attachment is a stored upload. It is never mutated once created.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId,omitempty"`
	Key       string `json:"-"`
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
}

// Ingest validates uploads and writes them to a BlobStore.
type Ingest struct {
	blobs    BlobStore
	baseURL  string
	maxBytes int64
	maxCount int
	log      zerolog.Logger
}

func NewIngest(blobs BlobStore, publicBaseURL string, maxBytes int64, maxCount int, log zerolog.Logger) *Ingest {
	return &Ingest{
		blobs:    blobs,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		maxBytes: maxBytes,
		maxCount: maxCount,
		log:      log.With().Str("component", "media").Logger(),
	}
}

// MaxBytes is the per-attachment limit.
func (in *Ingest) MaxBytes() int64 { return in.maxBytes }

// Store persists every upload and returns attachments in input order.
// Either all uploads are stored or none are: limits are checked before the
// first write, and blobs already written are removed if a later one fails.
func (in *Ingest) Store(ctx context.Context, uploads []Upload) ([]Attachment, error) {
	if len(uploads) == 0 {
		return []Attachment{}, nil
	}
	if in.maxCount > 0 && len(uploads) > in.maxCount {
		return nil, fmt.Errorf("%w: got %d, limit %d", ErrTooManyAttachments, len(uploads), in.maxCount)
	}
	for _, u := range uploads {
		if u.Size > in.maxBytes {
			return nil, fmt.Errorf("%w: %q is %d bytes, limit %d", ErrPayloadTooLarge, u.Filename, u.Size, in.maxBytes)
		}
	}

	stored := make([]Attachment, 0, len(uploads))
	for _, u := range uploads {
		a, err := in.storeOne(ctx, u)
		if err != nil {
			in.Discard(context.WithoutCancel(ctx), stored)
			return nil, err
		}
		stored = append(stored, a)
	}

	for _, a := range stored {
		metrics.AttachmentsStored.WithLabelValues(a.Kind).Inc()
		metrics.AttachmentBytes.Add(float64(a.Size))
	}
	return stored, nil
}

func (in *Ingest) storeOne(ctx context.Context, u Upload) (Attachment, error) {
	body := &capReader{r: u.Body, max: in.maxBytes}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Attachment{}, fmt.Errorf("read %q: %w", u.Filename, err)
	}
	head = head[:n]

	mimeType, kind, ext := classify(head, u.ContentType)
	id := ulid.Make().String()
	key := id + ext

	if err := in.blobs.Put(ctx, key, mimeType, io.MultiReader(bytes.NewReader(head), body)); err != nil {
		// the blob store may have left something behind
		_ = in.blobs.Delete(context.WithoutCancel(ctx), key)
		if errors.Is(err, ErrPayloadTooLarge) {
			return Attachment{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrPayloadTooLarge, u.Filename, in.maxBytes)
		}
		return Attachment{}, fmt.Errorf("store %q: %w", u.Filename, err)
	}

	return Attachment{
		ID:   id,
		Key:  key,
		URL:  in.URL(key),
		Kind: kind,
		MIME: mimeType,
		Size: body.n,
	}, nil
}

// URL is the public address of a stored blob.
func (in *Ingest) URL(key string) string {
	return in.baseURL + "/media/" + key
}

// Discard removes blobs of a submission that did not make it into the store.
func (in *Ingest) Discard(ctx context.Context, attachments []Attachment) {
	for _, a := range attachments {
		if err := in.blobs.Delete(ctx, a.Key); err != nil {
			in.log.Warn().Err(err).Str("key", a.Key).Msg("failed to discard orphaned attachment")
		}
	}
}

// Open streams a stored blob.
func (in *Ingest) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !keyPattern.MatchString(key) {
		return nil, ErrNotFound
	}
	return in.blobs.Open(ctx, key)
}

// classify picks the MIME type, kind and file extension for a payload.
// Browser recorders label voice clips audio/webm or audio/ogg while the bytes
// sniff as a generic container, so a declared audio type wins for containers.
func classify(head []byte, declared string) (mimeType, kind, ext string) {
	mt := mimetype.Detect(head)
	mimeType = mt.String()
	ext = mt.Extension()

	declared = strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
	if strings.HasPrefix(declared, "audio/") && (mt.Is("video/webm") || mt.Is("application/ogg") || mt.Is("video/ogg")) {
		mimeType = declared
	}

	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		kind = KindAudio
	case strings.HasPrefix(mimeType, "image/"):
		kind = KindImage
	case strings.HasPrefix(mimeType, "video/"):
		kind = KindVideo
	default:
		kind = KindFile
	}

	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return mimeType, kind, ext
}

// capReader fails with ErrPayloadTooLarge once more than max bytes pass through.
type capReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, ErrPayloadTooLarge
	}
	return n, err
}
