package chat

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-privchat/internal/media"
	myMiddleware "go-privchat/internal/middleware"
)

// multipartMemory is how much of a multipart body is kept in memory before
// parts spill to temporary files.
const multipartMemory = 8 << 20

type Handler struct {
	hub             *Hub
	svc             *Service
	ingest          *media.Ingest
	auth            *myMiddleware.AuthMiddleware
	maxRequestBytes int64
	upgrader        websocket.Upgrader
	log             zerolog.Logger
}

func NewHandler(hub *Hub, svc *Service, ingest *media.Ingest, auth *myMiddleware.AuthMiddleware, maxRequestBytes int64, allowedOrigins []string, log zerolog.Logger) *Handler {
	return &Handler{
		hub:             hub,
		svc:             svc,
		ingest:          ingest,
		auth:            auth,
		maxRequestBytes: maxRequestBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log.With().Str("component", "chat_http").Logger(),
	}
}

// SendMessage accepts multipart (sender, receiver, room, content, files),
// urlencoded or JSON bodies and answers 201 with the stored message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	who, _ := myMiddleware.IdentityFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBytes)

	req, cleanup, err := h.decodeSend(r)
	defer cleanup()
	if err != nil {
		h.writeError(w, err)
		return
	}

	msg, err := h.svc.Send(r.Context(), who, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) decodeSend(r *http.Request) (*SendRequest, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, noop, bodyError(err, "invalid JSON body")
		}
		return &req, noop, nil
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, noop, bodyError(err, "invalid form body")
	}

	req := &SendRequest{
		Sender:   r.FormValue("sender"),
		Receiver: r.FormValue("receiver"),
		Room:     r.FormValue("room"),
		Content:  r.FormValue("content"),
	}
	if r.MultipartForm == nil {
		return req, noop, nil
	}

	var opened []multipart.File
	cleanup := func() {
		for _, f := range opened {
			f.Close()
		}
		r.MultipartForm.RemoveAll()
	}
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return nil, cleanup, newError(CodeValidation, "unreadable file part", err)
		}
		opened = append(opened, f)
		req.Files = append(req.Files, media.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		})
	}
	return req, cleanup, nil
}

func bodyError(err error, reason string) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return newError(CodePayloadTooLarge, "request body too large", err)
	}
	return newError(CodeValidation, reason, err)
}

// GetChatHistory serves /api/messages?with=<peer>&cursor=&limit=.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	who, _ := myMiddleware.IdentityFromContext(r.Context())
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, newError(CodeValidation, "limit must be a number", err))
			return
		}
		limit = n
	}

	page, err := h.svc.History(r.Context(), who, q.Get("with"), q.Get("cursor"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ExportHistory streams the whole conversation as newline-delimited JSON.
func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	who, _ := myMiddleware.IdentityFromContext(r.Context())

	messages, err := h.svc.Export(r.Context(), who, r.URL.Query().Get("with"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	// exports can outlive the server's write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.log.Debug().Err(err).Msg("cannot clear write deadline for export")
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	started := false
	for m, err := range messages {
		if err != nil {
			if !started {
				h.writeError(w, err)
				return
			}
			// headers are gone; the truncated stream is all the client gets
			h.log.Error().Err(err).Msg("export interrupted")
			return
		}
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(m); err != nil {
			return
		}
	}
	if !started {
		w.WriteHeader(http.StatusOK)
	}
}

// ServeMedia streams a stored attachment by key.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rc, err := h.ingest.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("key", key).Msg("open attachment")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 3072)
	head, _ := br.Peek(3072)
	w.Header().Set("Content-Type", mimetype.Detect(head).String())
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, br); err != nil {
		h.log.Debug().Err(err).Str("key", key).Msg("media copy aborted")
	}
}

// ServeWs upgrades the request. Anonymous connections may join open rooms
// and authenticate later with an authenticate frame.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var auth Authenticator
	if h.auth != nil {
		auth = h.auth.Authenticate
	}
	client := newClient(h.hub, conn, auth, id, h.log)
	if err := h.hub.Register(client, id.UserID); err != nil {
		h.log.Error().Err(err).Msg("register connection")
		conn.Close()
		return
	}
	if id.UserID != "" {
		client.reply(Event{Type: EventAuthenticated, UserID: id.UserID})
	}

	go client.writePump()
	go client.readPump()
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	reason := "internal error"
	var e *Error
	if errors.As(err, &e) {
		reason = e.Reason
	}

	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("code", string(code)).Msg("request failed")
	}
	if code == CodeUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="privchat"`)
	}
	if code.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": string(code), "reason": reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
