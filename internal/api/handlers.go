package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"parley/internal/apperr"
	"parley/internal/auth"
	"parley/internal/broadcast"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/ratelimit"
	"parley/internal/typing"
)

const maxBodySize = 64 << 10

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// AttachmentStore keeps the metadata recorded when a blob was uploaded.
type AttachmentStore interface {
	SaveAttachment(ctx context.Context, meta models.Attachment) error
	GetAttachment(ctx context.Context, id string) (models.Attachment, error)
}

// API serves the REST equivalents of the socket events. It goes through the
// same coordinator and the same per-user burst limiter as the gateway.
type API struct {
	auth     TokenVerifier
	coord    *broadcast.Coordinator
	presence *presence.Registry
	typing   *typing.Tracker
	limiter  ratelimit.Limiter
	burst    ratelimit.Limit
	files    filestore.FileStore
	meta     AttachmentStore
}

func New(
	verifier TokenVerifier,
	coord *broadcast.Coordinator,
	registry *presence.Registry,
	tracker *typing.Tracker,
	limiter ratelimit.Limiter,
	burst ratelimit.Limit,
	files filestore.FileStore,
	meta AttachmentStore,
) *API {
	return &API{
		auth:     verifier,
		coord:    coord,
		presence: registry,
		typing:   tracker,
		limiter:  limiter,
		burst:    burst,
		files:    files,
		meta:     meta,
	}
}

type userKey struct{}

// UserID returns the authenticated user stored by RequireAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Verify(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	convs, err := a.coord.Conversations(r.Context(), UserID(r.Context()), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (a *API) ConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := a.coord.Conversation(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := queryInt(r, "before")
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := a.coord.Messages(r.Context(), r.PathValue("id"), UserID(r.Context()), limit, int64(before))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type SendMessageRequest struct {
	Content      string             `json:"content"`
	Type         models.MessageType `json:"type,omitempty"`
	AttachmentID string             `json:"attachmentId,omitempty"`
	ReplyTo      string             `json:"replyTo,omitempty"`
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	if err := a.checkBurst(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := a.coord.SendMessage(r.Context(), userID, models.SendMessage{
		ConversationID: r.PathValue("id"),
		Content:        req.Content,
		Type:           req.Type,
		AttachmentID:   req.AttachmentID,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MarkReadHandler accepts an empty body, which marks every message read.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}

	ids, err := a.coord.MarkAsRead(r.Context(), r.PathValue("id"), UserID(r.Context()), req.MessageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.MarkReadResult{MessageIDs: ids})
}

func (a *API) TypingHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := a.coord.Conversation(r.Context(), r.PathValue("id"), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	users, err := a.typing.TypingUsers(r.Context(), conv.Scope(), conv.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.UsersResult{Users: users})
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

func (a *API) AddReactionHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	if err := a.checkBurst(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	var req ReactionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := a.coord.AddReaction(r.Context(), r.PathValue("id"), userID, req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) RemoveReactionHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	if err := a.checkBurst(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	msg, err := a.coord.RemoveReaction(r.Context(), r.PathValue("id"), userID, r.PathValue("emoji"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.presence.OnlineUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.UsersResult{Users: users})
}

func (a *API) UserPresenceHandler(w http.ResponseWriter, r *http.Request) {
	p, err := a.presence.Presence(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FileHandler serves attachment blobs. Links are shared inside messages, so
// no authentication is required.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f, err := a.files.Open(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = f.Close() }()

	contentType := ""
	if meta, err := a.meta.GetAttachment(r.Context(), id); err == nil {
		contentType = meta.ContentType
	} else if !errors.Is(err, apperr.ErrNotFound) {
		slog.Warn("failed to load attachment metadata", "id", id, "error", err)
	}

	// Blobs uploaded before metadata was recorded are sniffed.
	var head []byte
	if contentType == "" {
		head = make([]byte, sniffLen)
		n, err := io.ReadFull(f, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			writeError(w, apperr.Internal(err))
			return
		}
		head = head[:n]
		contentType = detectType(head)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, io.MultiReader(bytes.NewReader(head), f)); err != nil {
		slog.Debug("failed to stream attachment", "id", id, "error", err)
	}
}

func (a *API) checkBurst(ctx context.Context, userID string) error {
	_, err := ratelimit.Check(ctx, a.limiter, ratelimit.KindWSMessage, userID, a.burst)
	return err
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", name)
	}
	return v, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}

type errorBody struct {
	Success bool            `json:"success"`
	Error   models.AckError `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, io.EOF) {
		err = apperr.Validation("request body is required")
	}

	status := apperr.HTTPStatus(err)
	body := errorBody{Error: models.AckError{
		Code:    string(apperr.CodeOf(err)),
		Message: apperr.Message(err),
	}}

	var e *apperr.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		body.Error.RetryAfterMs = e.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
