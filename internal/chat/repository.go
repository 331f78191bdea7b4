package chat

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"go-privchat/internal/media"
	"go-privchat/internal/metrics"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Store is the message store contract.
type Store interface {
	Append(ctx context.Context, msg *Message) error
	History(ctx context.Context, a, b, cursor string, limit int) (*Page, error)
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Append writes the message and its attachments in one transaction and fills
// in ID, Seq and CreatedAt. Appends to the same conversation take a
// transaction-scoped advisory lock, so they commit in seq order without
// holding up other conversations.
func (r *Repository) Append(ctx context.Context, msg *Message) error {
	if err := checkAppendable(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	conv := msg.Conversation()
	if msg.Room == "" {
		msg.Room = conv
	}

	start := time.Now()
	defer func() { metrics.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds()) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conv); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation, room, sender_id, receiver_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, clock_timestamp())
		RETURNING seq, created_at`,
		msg.ID, conv, msg.Room, msg.Sender, msg.Receiver, msg.Content,
	).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		a.MessageID = msg.ID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO media_attachments (id, message_id, position, storage_key, url, kind, mime_type, size_bytes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, msg.ID, i, a.Key, a.URL, a.Kind, a.MIME, a.Size,
		)
		if err != nil {
			return fmt.Errorf("insert attachment %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.resolveURLs()
	return nil
}

// History returns up to limit messages of the a/b conversation after cursor,
// oldest first.
func (r *Repository) History(ctx context.Context, a, b, cursor string, limit int) (*Page, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	start := time.Now()
	defer func() { metrics.StoreLatency.WithLabelValues("history").Observe(time.Since(start).Seconds()) }()

	// one extra row tells us whether another page exists
	rows, err := r.db.QueryContext(ctx, `
		WITH page AS (
			SELECT seq, id, room, sender_id, receiver_id, content, created_at
			FROM messages
			WHERE conversation = $1 AND seq > $2
			ORDER BY seq
			LIMIT $3
		)
		SELECT p.seq, p.id, p.room, p.sender_id, p.receiver_id, p.content, p.created_at,
		       m.id, m.storage_key, m.url, m.kind, m.mime_type, m.size_bytes
		FROM page p
		LEFT JOIN media_attachments m ON m.message_id = p.id
		ORDER BY p.seq, m.position`,
		ConversationKey(a, b), after, limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m                           Message
			attID, key, url, kind, mime sql.NullString
			size                        sql.NullInt64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.Room, &m.Sender, &m.Receiver, &m.Content, &m.CreatedAt,
			&attID, &key, &url, &kind, &mime, &size); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}

		cur := &m
		if n := len(msgs); n > 0 && msgs[n-1].Seq == m.Seq {
			cur = msgs[n-1]
		} else {
			m.CreatedAt = m.CreatedAt.UTC()
			msgs = append(msgs, cur)
		}
		if attID.Valid {
			cur.Attachments = append(cur.Attachments, media.Attachment{
				ID:        attID.String,
				MessageID: cur.ID,
				Key:       key.String,
				URL:       url.String,
				Kind:      kind.String,
				MIME:      mime.String,
				Size:      size.Int64,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	return buildPage(msgs, limit), nil
}

// buildPage trims the lookahead row and sets the cursor.
func buildPage(msgs []*Message, limit int) *Page {
	page := &Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.NextCursor = encodeCursor(page.Messages[limit-1].Seq)
	}
	if page.Messages == nil {
		page.Messages = []*Message{}
	}
	for _, m := range page.Messages {
		m.resolveURLs()
	}
	return page
}

func checkAppendable(msg *Message) error {
	if msg.Sender == "" || msg.Receiver == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrEmptyMessage)
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

func encodeCursor(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return seq, nil
}
