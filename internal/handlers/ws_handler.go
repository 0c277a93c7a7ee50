package handlers

import (
	"net/http"

	"wa_broadcast/internal/events"
	"wa_broadcast/internal/repository"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// WSHandler upgrades session subscribers onto the event hub.
type WSHandler struct {
	hub  *events.Hub
	repo *repository.SessionRepository
	log  zerolog.Logger
}

func NewWSHandler(hub *events.Hub, repo *repository.SessionRepository, log zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, repo: repo, log: log}
}

// Subscribe streams the events of one owned session until the peer leaves.
func (h *WSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	uid := userID(r)
	if _, err := h.repo.GetOwned(r.Context(), sessionID, uid); err != nil {
		writeError(w, h.log, err)
		return
	}

	conn, err := h.hub.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}

	peer, cleanup := h.hub.Register(sessionID, uid, conn)
	h.hub.Serve(peer, cleanup)
}
