package handlers

import (
	"net/http"

	"wa_broadcast/internal/models"
	"wa_broadcast/internal/services"

	"github.com/rs/zerolog"
)

type UserHandler struct {
	authService *services.AuthService
	log         zerolog.Logger
}

func NewUserHandler(authService *services.AuthService, log zerolog.Logger) *UserHandler {
	return &UserHandler{authService: authService, log: log}
}

// Register handles user registration
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.UserRegister
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	user, err := h.authService.Register(r.Context(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info().Uint("user_id", user.ID).Msg("user registered")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "User registered successfully",
		"user":    user,
	})
}

// Login handles user login
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.UserLogin
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	token, user, err := h.authService.Login(r.Context(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Login successful",
		"token":   token,
		"user":    user,
	})
}

// GetProfile returns the authenticated user.
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.authService.GetUserByID(r.Context(), userID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    user,
	})
}
