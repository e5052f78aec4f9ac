package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"parley/internal/apperr"
	"parley/internal/auth"
	"parley/internal/broadcast"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/ratelimit"
	"parley/internal/ws"
)

const maxAttachmentSize = 10 << 20

// KindLimit pairs a limiter with the limit it enforces for one kind.
type KindLimit struct {
	Limiter ratelimit.Limiter
	Limit   ratelimit.Limit
}

type AdminHandler struct {
	auth    *auth.Verifier
	coord   *broadcast.Coordinator
	gateway *ws.Gateway
	limits  map[string]KindLimit
	files   filestore.FileStore
	meta    AttachmentStore
}

func NewAdminHandler(
	verifier *auth.Verifier,
	coord *broadcast.Coordinator,
	gateway *ws.Gateway,
	limits map[string]KindLimit,
	files filestore.FileStore,
	meta AttachmentStore,
) *AdminHandler {
	return &AdminHandler{
		auth:    verifier,
		coord:   coord,
		gateway: gateway,
		limits:  limits,
		files:   files,
		meta:    meta,
	}
}

func (h *AdminHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var conv models.Conversation
	if err := decode(r, &conv); err != nil {
		writeError(w, err)
		return
	}

	created, err := h.coord.CreateConversation(r.Context(), conv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AdminHandler) ConnectionsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Stats())
}

type EvictRequest struct {
	UserID string `json:"userId"`
}

type EvictResponse struct {
	UserID  string `json:"userId"`
	Evicted int    `json:"evicted"`
}

// EvictHandler closes the user's connections on this instance only.
func (h *AdminHandler) EvictHandler(w http.ResponseWriter, r *http.Request) {
	var req EvictRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperr.Validation("userId is required"))
		return
	}

	writeJSON(w, http.StatusOK, EvictResponse{UserID: req.UserID, Evicted: h.gateway.Evict(req.UserID)})
}

type TokenRequest struct {
	UserID string `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueTokenHandler mints a token for an existing identity. There is no
// login flow, so this is how operators and tests obtain credentials.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	token, expiresAt, err := h.auth.Issue(req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.Revoke(req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RateLimitStatus struct {
	Kind       string    `json:"kind"`
	Identifier string    `json:"identifier"`
	Count      int       `json:"count"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt,omitzero"`
}

func (h *AdminHandler) RateLimitStatusHandler(w http.ResponseWriter, r *http.Request) {
	kind, identifier := r.PathValue("kind"), r.PathValue("identifier")
	kl, ok := h.limits[kind]
	if !ok {
		writeError(w, apperr.NotFound("unknown rate limit kind %q", kind))
		return
	}

	st, err := kl.Limiter.Status(r.Context(), kind, identifier, kl.Limit.Window)
	if err != nil {
		writeError(w, apperr.Unavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, RateLimitStatus{
		Kind:       kind,
		Identifier: identifier,
		Count:      st.Count,
		Limit:      kl.Limit.Max,
		Remaining:  max(0, kl.Limit.Max-st.Count),
		ResetAt:    st.ResetAt,
	})
}

func (h *AdminHandler) ResetRateLimitHandler(w http.ResponseWriter, r *http.Request) {
	kind, identifier := r.PathValue("kind"), r.PathValue("identifier")
	kl, ok := h.limits[kind]
	if !ok {
		writeError(w, apperr.NotFound("unknown rate limit kind %q", kind))
		return
	}
	if err := kl.Limiter.Reset(r.Context(), kind, identifier); err != nil {
		writeError(w, apperr.Unavailable(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AttachmentResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
}

// UploadAttachmentHandler stores a blob under the id from the path. Saving
// the same id twice keeps the first blob.
func (h *AdminHandler) UploadAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body := http.MaxBytesReader(w, r.Body, maxAttachmentSize)

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(w, apperr.Validation("failed to read attachment: %v", err))
		return
	}
	if n == 0 {
		writeError(w, apperr.Validation("attachment is empty"))
		return
	}
	head = head[:n]

	counted := &countingReader{r: io.MultiReader(bytes.NewReader(head), body)}
	if err := h.files.Save(counted, id); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperr.Validation("attachment exceeds %d bytes", maxAttachmentSize))
			return
		}
		writeError(w, err)
		return
	}

	contentType := detectType(head)
	err = h.meta.SaveAttachment(r.Context(), models.Attachment{
		ID:          id,
		ContentType: contentType,
		Size:        counted.n,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	url, err := h.files.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AttachmentResponse{ID: id, URL: url, ContentType: contentType})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
