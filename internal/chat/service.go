package chat

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"go-privchat/internal/media"
	"go-privchat/internal/metrics"
	myMiddleware "go-privchat/internal/middleware"
)

// Publisher pushes a persisted message to live connections.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// SendRequest is one submission to the write endpoint.
type SendRequest struct {
	Sender   string         `json:"sender" validate:"omitempty,max=64,excludesall=:"`
	Receiver string         `json:"receiver" validate:"required,max=64,excludesall=:"`
	Room     string         `json:"room" validate:"omitempty,max=160,printascii"`
	Content  string         `json:"content" validate:"max=8000"`
	Files    []media.Upload `json:"-" validate:"-"`
}

type Service struct {
	store    Store
	ingest   *media.Ingest
	bus      Publisher
	validate *validator.Validate
	log      zerolog.Logger
}

func NewService(store Store, ingest *media.Ingest, bus Publisher, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		ingest:   ingest,
		bus:      bus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("component", "chat").Logger(),
	}
}

// Send stores the attachments, appends the message and only then publishes
// it. Delivery problems are logged and never fail the call.
func (s *Service) Send(ctx context.Context, who myMiddleware.Identity, req *SendRequest) (*Message, error) {
	msg, err := s.send(ctx, who, req)
	if err != nil {
		metrics.WriteFailures.WithLabelValues(string(CodeOf(err))).Inc()
		return nil, err
	}
	metrics.MessagesAppended.Inc()

	if err := s.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("delivery failed")
	}
	return msg, nil
}

func (s *Service) send(ctx context.Context, who myMiddleware.Identity, req *SendRequest) (*Message, error) {
	if who.UserID == "" {
		return nil, newError(CodeUnauthorized, "authentication required", nil)
	}
	if req.Sender == "" {
		req.Sender = who.UserID
	}
	if req.Sender != who.UserID {
		return nil, newError(CodeUnauthorized, "sender does not match the authenticated user", nil)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, newError(CodeValidation, err.Error(), err)
	}

	// Content is plain text and is stored as sent; escaping is up to the renderer.
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Files) == 0 {
		return nil, newError(CodeValidation, ErrEmptyMessage.Error(), ErrEmptyMessage)
	}

	room, err := s.resolveRoom(req)
	if err != nil {
		return nil, err
	}

	attachments, err := s.ingest.Store(ctx, req.Files)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrPayloadTooLarge):
			return nil, newError(CodePayloadTooLarge, err.Error(), err)
		case errors.Is(err, media.ErrTooManyAttachments):
			return nil, newError(CodeValidation, err.Error(), err)
		default:
			return nil, newError(CodeStorageFailure, "could not store attachments", err)
		}
	}

	msg := &Message{
		Sender:      req.Sender,
		Receiver:    req.Receiver,
		Room:        room,
		Content:     content,
		Attachments: attachments,
	}
	if err := s.store.Append(ctx, msg); err != nil {
		s.ingest.Discard(context.WithoutCancel(ctx), attachments)
		if errors.Is(err, ErrEmptyMessage) {
			return nil, newError(CodeValidation, err.Error(), err)
		}
		return nil, newError(CodeStorageFailure, "could not persist message", err)
	}
	return msg, nil
}

// resolveRoom defaults to the pair's conversation room. Identity rooms and
// other pairs' conversation rooms are not valid targets.
func (s *Service) resolveRoom(req *SendRequest) (string, error) {
	conv := ConversationKey(req.Sender, req.Receiver)
	switch {
	case req.Room == "":
		return conv, nil
	case strings.HasPrefix(req.Room, userRoomPrefix):
		return "", newError(CodeValidation, "identity rooms cannot be addressed directly", nil)
	case strings.HasPrefix(req.Room, dmRoomPrefix) && req.Room != conv:
		return "", newError(CodeValidation, "room belongs to another conversation", nil)
	}
	return req.Room, nil
}

// History returns one page of the caller's conversation with peer.
func (s *Service) History(ctx context.Context, who myMiddleware.Identity, peer, cursor string, limit int) (*Page, error) {
	if who.UserID == "" {
		return nil, newError(CodeUnauthorized, "authentication required", nil)
	}
	if peer == "" {
		return nil, newError(CodeValidation, "the with parameter is required", nil)
	}
	page, err := s.store.History(ctx, who.UserID, peer, cursor, limit)
	if err != nil {
		return nil, historyError(err)
	}
	return page, nil
}

// Export streams the caller's whole conversation with peer.
func (s *Service) Export(ctx context.Context, who myMiddleware.Identity, peer string) (iter.Seq2[*Message, error], error) {
	if who.UserID == "" {
		return nil, newError(CodeUnauthorized, "authentication required", nil)
	}
	if peer == "" {
		return nil, newError(CodeValidation, "the with parameter is required", nil)
	}
	return func(yield func(*Message, error) bool) {
		for m, err := range Iterate(ctx, s.store, who.UserID, peer, "", maxPageSize) {
			if err != nil {
				err = historyError(err)
			}
			if !yield(m, err) {
				return
			}
		}
	}, nil
}

func historyError(err error) error {
	if errors.Is(err, ErrInvalidCursor) {
		return newError(CodeValidation, err.Error(), err)
	}
	return newError(CodeStorageFailure, "could not read history", err)
}
