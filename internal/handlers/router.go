package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the handlers and middleware collaborators of the router.
type Deps struct {
	Users     *UserHandler
	Sessions  *SessionHandler
	Broadcast *BroadcastHandler
	WS        *WSHandler
	Auth      TokenValidator
	Limiter   Limiter
	Health    func() error
	Log       zerolog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger(d.Log))

	// Public endpoints
	r.HandleFunc("/api/auth/register", d.Users.Register).Methods("POST")
	r.HandleFunc("/api/auth/login", d.Users.Login).Methods("POST")
	r.HandleFunc("/api/health", health(d.Health)).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(d.Auth, d.Log))
	limit := func(h http.HandlerFunc) http.HandlerFunc { return rateLimited(d.Limiter, d.Log, h) }

	api.HandleFunc("/auth/profile", d.Users.GetProfile).Methods("GET")

	// Sessions
	api.HandleFunc("/sessions", d.Sessions.Create).Methods("POST")
	api.HandleFunc("/sessions", d.Sessions.List).Methods("GET")
	api.HandleFunc("/sessions/{id}", d.Sessions.Get).Methods("GET")
	api.HandleFunc("/sessions/{id}", d.Sessions.Update).Methods("PUT")
	api.HandleFunc("/sessions/{id}", d.Sessions.Delete).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/qr", d.Sessions.QR).Methods("GET")
	api.HandleFunc("/sessions/{id}/reset", d.Sessions.Reset).Methods("POST")
	api.HandleFunc("/sessions/{id}/messages", limit(d.Sessions.SendMessage)).Methods("POST")

	// Broadcast lists and contacts
	b := d.Broadcast
	api.HandleFunc("/broadcast/lists", b.CreateList).Methods("POST")
	api.HandleFunc("/broadcast/lists", b.ListLists).Methods("GET")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}", b.GetList).Methods("GET")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}", b.UpdateList).Methods("PUT")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}", b.DeleteList).Methods("DELETE")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}/contacts", b.ListContacts).Methods("GET")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}/contacts", limit(b.AddContacts)).Methods("POST")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}/contacts/bulk-delete", b.BulkRemoveContacts).Methods("POST")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}/contacts/{cid:[0-9]+}", b.UpdateContact).Methods("PUT")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}/contacts/{cid:[0-9]+}", b.RemoveContact).Methods("DELETE")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}/import", limit(b.ImportContacts)).Methods("POST")
	api.HandleFunc("/broadcast/lists/{id:[0-9]+}/export", b.ExportContacts).Methods("GET")

	// Campaigns
	api.HandleFunc("/broadcast/campaigns", limit(b.StartCampaign)).Methods("POST")
	api.HandleFunc("/broadcast/campaigns", b.ListCampaigns).Methods("GET")
	api.HandleFunc("/broadcast/campaigns/overview", b.Overview).Methods("GET")
	api.HandleFunc("/broadcast/campaigns/schedule", limit(b.ScheduleCampaign)).Methods("POST")
	api.HandleFunc("/broadcast/campaigns/{id:[0-9]+}", b.GetCampaign).Methods("GET")
	api.HandleFunc("/broadcast/campaigns/{id:[0-9]+}", b.DeleteCampaign()).Methods("DELETE")
	api.HandleFunc("/broadcast/campaigns/{id:[0-9]+}/stats", b.Stats).Methods("GET")
	api.HandleFunc("/broadcast/campaigns/{id:[0-9]+}/report", b.Report).Methods("GET")
	api.HandleFunc("/broadcast/campaigns/{id:[0-9]+}/pause", b.PauseCampaign()).Methods("POST")
	api.HandleFunc("/broadcast/campaigns/{id:[0-9]+}/resume", limit(b.ResumeCampaign())).Methods("POST")
	api.HandleFunc("/broadcast/campaigns/{id:[0-9]+}/stop", b.StopCampaign()).Methods("POST")

	if d.WS != nil {
		ws := r.PathPrefix("/ws").Subrouter()
		ws.Use(AuthMiddleware(d.Auth, d.Log))
		ws.HandleFunc("/sessions/{id}", d.WS.Subscribe).Methods("GET")
	}

	return corsMiddleware(r)
}

func health(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"status":  "error",
					"message": "database unavailable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"message": "Backend is running",
		})
	}
}
