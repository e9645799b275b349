package chatapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"duet/cmd/identity"
	"duet/cmd/internal/chat"
	"duet/cmd/internal/realtime"
	v1 "duet/shared/contracts/realtime/v1"
)

// Service is the conversation service surface used by the REST handlers.
type Service interface {
	GetOrCreate(ctx context.Context, a, b string) (chat.ConversationView, error)
	ListForUser(ctx context.Context, userID string) ([]chat.ConversationView, error)
	GetByID(ctx context.Context, conversationID, requesterID string) (chat.ConversationView, error)
	CreateMessage(ctx context.Context, conversationID, senderID string, d chat.Draft) (chat.SendResult, error)
	ListMessages(ctx context.Context, conversationID, requesterID string, limit int, before *time.Time) ([]chat.Message, error)
	MarkLatestRead(ctx context.Context, conversationID, readerID string) (bool, error)
	DeleteConversation(ctx context.Context, conversationID, requesterID string) error
}

// PresenceLookup answers whether a user has a live realtime session.
type PresenceLookup interface {
	IsOnline(ctx context.Context, userID string) bool
}

// Handler wires the chat REST endpoints to the conversation service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      Service
	auth     identity.Provider
	presence PresenceLookup
	now      func() time.Time

	limMu     sync.Mutex
	limiters  map[string]*userLimiter
	lastSweep time.Time
}

type userLimiter struct {
	lim  *realtime.RateLimiter
	seen time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithPresence enables GET /api/chats/presence/{userId}.
func WithPresence(p PresenceLookup) HandlerOption {
	return func(h *Handler) {
		if h == nil || p == nil {
			return
		}
		h.presence = p
	}
}

// WithClock overrides the clock used by rate limiting.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a chat API Handler.
func NewHandler(log *slog.Logger, svc Service, auth identity.Provider, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if auth == nil {
		return nil, errors.New("chatapi: nil auth provider")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		auth:     auth,
		now:      time.Now,
		limiters: make(map[string]*userLimiter),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/chats/conversations", h.handleCreateConversation)
	mux.HandleFunc("GET /api/chats/conversations", h.handleListConversations)
	mux.HandleFunc("GET /api/chats/conversations/{id}", h.handleGetConversation)
	mux.HandleFunc("DELETE /api/chats/conversations/{id}", h.handleDeleteConversation)
	mux.HandleFunc("GET /api/chats/conversations/{id}/messages", h.handleListMessages)
	mux.HandleFunc("PATCH /api/chats/conversations/{id}/read", h.handleMarkRead)
	mux.HandleFunc("POST /api/chats/messages", h.handleCreateMessage)
	mux.HandleFunc("GET /api/chats/presence/{userId}", h.handlePresence)
}

// ---- handlers ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxJSONBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	v, err := h.svc.GetOrCreate(r.Context(), claims.UserID, strings.TrimSpace(req.ParticipantID))
	if err != nil {
		h.writeServiceError(w, r, "chat.conversation.create", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationEnvelope{Conversation: toConversation(v)})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	views, err := h.svc.ListForUser(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, "chat.conversation.list", err)
		return
	}
	out := conversationsEnvelope{Conversations: make([]v1.Conversation, 0, len(views))}
	for _, v := range views {
		out.Conversations = append(out.Conversations, toConversation(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	v, err := h.svc.GetByID(r.Context(), r.PathValue("id"), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, "chat.conversation.get", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationEnvelope{Conversation: toConversation(v)})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteConversation(r.Context(), r.PathValue("id"), claims.UserID); err != nil {
		h.writeServiceError(w, r, "chat.conversation.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	var before *time.Time
	if raw := strings.TrimSpace(q.Get("beforeDate")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "beforeDate must be RFC3339")
			return
		}
		before = &t
	}

	msgs, err := h.svc.ListMessages(r.Context(), r.PathValue("id"), claims.UserID, limit, before)
	if err != nil {
		h.writeServiceError(w, r, "chat.message.list", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesEnvelope{Messages: toMessages(msgs)})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	advanced, err := h.svc.MarkLatestRead(r.Context(), id, claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, "chat.conversation.read", err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{ConversationID: id, Advanced: advanced})
}

func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if !h.allow(claims.UserID) {
		writeRateLimited(w, h.cfg.MessageRateWindow)
		return
	}

	var (
		req   createMessageRequest
		draft chat.Draft
	)
	if isMultipart(r) {
		var err error
		req, draft.Attachment, err = h.readMultipart(w, r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "upload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart body")
			return
		}
	} else if err := decodeJSON(w, r, h.cfg.MaxJSONBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	draft.Type = chat.MessageType(strings.TrimSpace(req.Type))
	draft.Content = req.Content

	res, err := h.svc.CreateMessage(r.Context(), strings.TrimSpace(req.ConversationID), claims.UserID, draft)
	if err != nil {
		h.writeServiceError(w, r, "chat.message.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageEnvelope{Message: realtime.ToWireMessage(res.Message)})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	if h.presence == nil {
		writeError(w, http.StatusServiceUnavailable, "presence_unavailable", "presence not configured")
		return
	}
	userID := strings.TrimSpace(r.PathValue("userId"))
	writeJSON(w, http.StatusOK, presenceResponse{UserID: userID, Online: h.presence.IsOnline(r.Context(), userID)})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (identity.Claims, bool) {
	token := identity.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return identity.Claims{}, false
	}
	claims, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return identity.Claims{}, false
	}
	return claims, true
}

func (h *Handler) allow(userID string) bool {
	if h.cfg.MessageRate <= 0 {
		return true
	}
	now := h.now()

	h.limMu.Lock()
	h.sweepLimitersLocked(now)
	ul, ok := h.limiters[userID]
	if !ok {
		ul = &userLimiter{lim: realtime.NewRateLimiter(h.cfg.MessageRate, h.cfg.MessageRateWindow)}
		h.limiters[userID] = ul
	}
	ul.seen = now
	h.limMu.Unlock()
	return ul.lim.Allow(now)
}

// sweepLimitersLocked drops limiters idle for a full window, at most once per
// window. An idle limiter holds no admitted events, so dropping it changes no
// decision.
func (h *Handler) sweepLimitersLocked(now time.Time) {
	window := h.cfg.MessageRateWindow
	if window <= 0 || now.Sub(h.lastSweep) < window {
		return
	}
	h.lastSweep = now
	for id, ul := range h.limiters {
		if now.Sub(ul.seen) >= window {
			delete(h.limiters, id)
		}
	}
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data")
}

// readMultipart reads the text fields plus an optional "file" part.
func (h *Handler) readMultipart(w http.ResponseWriter, r *http.Request) (createMessageRequest, *chat.Attachment, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		return createMessageRequest{}, nil, err
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	req := createMessageRequest{
		ConversationID: r.FormValue("conversationId"),
		Type:           r.FormValue("type"),
		Content:        r.FormValue("content"),
	}

	f, hdr, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, nil
	}
	if err != nil {
		return createMessageRequest{}, nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := readPart(f, chat.MaxFileBytes)
	if err != nil {
		return createMessageRequest{}, nil, err
	}
	return req, &chat.Attachment{
		FileName:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// readPart reads up to max+1 bytes so the policy layer can see an oversize file.
func readPart(f multipart.File, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, max+1))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	code := chat.Code(err)
	status := statusForCode(code)

	msg := http.StatusText(status)
	var opErr chat.OpError
	if errors.As(err, &opErr) && opErr.Msg != "" && status < 500 {
		msg = opErr.Msg
	}

	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	h.log.Log(r.Context(), level, event+".fail",
		slog.String("code", code),
		slog.String("path", r.URL.Path),
		slog.Any("err", err),
	)
	writeError(w, status, code, msg)
}

func statusForCode(code string) int {
	switch code {
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "validation_failed":
		return http.StatusBadRequest
	case "upstream_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
