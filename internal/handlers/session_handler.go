package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/repository"
	"wa_broadcast/internal/whatsapp"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SessionRuntime is the live side of sessions.
type SessionRuntime interface {
	EnsureSession(ctx context.Context, rec models.WhatsAppSession) error
	GetStatus(id string) whatsapp.Status
	ResetSession(ctx context.Context, id string) error
	DestroySession(ctx context.Context, id string) error
	WaitChallenge(ctx context.Context, id string, timeout time.Duration) (whatsapp.Status, error)
	SendSingle(ctx context.Context, id, number, text string) (whatsapp.DeliveryOutcome, error)
}

// SessionHandler serves session lifecycle, QR and single-message routes.
type SessionHandler struct {
	repo             *repository.SessionRepository
	runtime          SessionRuntime
	maxSessions      int
	challengeTimeout time.Duration
	log              zerolog.Logger
}

func NewSessionHandler(repo *repository.SessionRepository, runtime SessionRuntime, maxSessions int, challengeTimeout time.Duration, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		repo:             repo,
		runtime:          runtime,
		maxSessions:      maxSessions,
		challengeTimeout: challengeTimeout,
		log:              log,
	}
}

type sessionView struct {
	*models.WhatsAppSession
	Status whatsapp.Status `json:"status"`
}

func (h *SessionHandler) view(s *models.WhatsAppSession) sessionView {
	st := h.runtime.GetStatus(s.SessionID)
	st.PendingChallenge = ""
	return sessionView{WhatsAppSession: s, Status: st}
}

// owned resolves the {id} session of the caller.
func (h *SessionHandler) owned(r *http.Request) (*models.WhatsAppSession, error) {
	return h.repo.GetOwned(r.Context(), mux.Vars(r)["id"], userID(r))
}

// Create registers a new session for the caller and starts its connection.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	uid := userID(r)

	n, err := h.repo.CountByOwner(r.Context(), uid)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if int(n) >= h.maxSessions {
		writeError(w, h.log, fmt.Errorf("%w: limit is %d", errs.ErrSessionLimit, h.maxSessions))
		return
	}

	s := &models.WhatsAppSession{
		SessionID:   uuid.NewString(),
		UserID:      uid,
		Description: req.Description,
	}
	if err := h.repo.Create(r.Context(), s); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.runtime.EnsureSession(r.Context(), *s); err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info().Str("session_id", s.SessionID).Uint("user_id", uid).Msg("session created")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"session": h.view(s),
	})
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.ListByOwner(r.Context(), userID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	out := make([]sessionView, 0, len(rows))
	for i := range rows {
		out = append(out, h.view(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": out,
	})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": h.view(s),
	})
}

func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req models.UpdateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.repo.UpdateDescription(r.Context(), s.SessionID, req.Description); err != nil {
		writeError(w, h.log, err)
		return
	}
	s.Description = req.Description
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": h.view(s),
	})
}

// QR waits for the session to present a pairing challenge and returns it as a
// PNG data URI. A ready session returns no QR.
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if !h.runtime.GetStatus(s.SessionID).Exists {
		// The connection may have been dropped, bring it back first.
		if err := h.runtime.EnsureSession(r.Context(), *s); err != nil {
			writeError(w, h.log, err)
			return
		}
	}

	st, err := h.runtime.WaitChallenge(r.Context(), s.SessionID, h.challengeTimeout)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if st.Ready {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"ready":   true,
			"qr":      "",
			"message": "WhatsApp is already connected",
		})
		return
	}

	qr, err := whatsapp.RenderChallenge(st.PendingChallenge)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"ready":     false,
		"qr":        qr,
		"issued_at": st.ChallengeIssuedAt,
	})
}

func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.runtime.ResetSession(r.Context(), s.SessionID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session reset, scan the new QR code",
	})
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.runtime.DestroySession(r.Context(), s.SessionID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session deleted",
	})
}

// SendMessage sends one text message through the session.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req models.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	out, err := h.runtime.SendSingle(r.Context(), s.SessionID, req.Number, req.Message)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if !out.Delivered {
		h.log.Warn().Err(out.Err).Str("session_id", s.SessionID).Msg("single send failed")
		status := http.StatusBadGateway
		if errors.Is(out.Err, errs.ErrClientNotReady) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]interface{}{
			"success": false,
			"error":   out.ErrorText(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message_id": out.MessageID,
		"ambiguous":  out.Ambiguous,
	})
}
