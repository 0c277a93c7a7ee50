package handlers

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wa_broadcast/internal/broadcast"
	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"

	"github.com/rs/zerolog"
)

// maxUploadBytes bounds CSV uploads.
const maxUploadBytes = 5 << 20

// BroadcastHandler serves lists, contacts and campaigns.
type BroadcastHandler struct {
	lists     *broadcast.Lists
	campaigns *broadcast.Service
	log       zerolog.Logger
}

func NewBroadcastHandler(lists *broadcast.Lists, campaigns *broadcast.Service, log zerolog.Logger) *BroadcastHandler {
	return &BroadcastHandler{lists: lists, campaigns: campaigns, log: log}
}

func (h *BroadcastHandler) ok(w http.ResponseWriter, status int, key string, v interface{}) {
	writeJSON(w, status, map[string]interface{}{"success": true, key: v})
}

// ---- Lists ----

func (h *BroadcastHandler) CreateList(w http.ResponseWriter, r *http.Request) {
	var req models.CreateListRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	list, err := h.lists.CreateList(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusCreated, "list", list)
}

func (h *BroadcastHandler) ListLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.lists.ListLists(r.Context(), userID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "lists", lists)
}

func (h *BroadcastHandler) GetList(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	list, err := h.lists.GetList(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "list", list)
}

func (h *BroadcastHandler) UpdateList(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req models.UpdateListRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	list, err := h.lists.UpdateList(r.Context(), userID(r), id, req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "list", list)
}

func (h *BroadcastHandler) DeleteList(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.lists.DeleteList(r.Context(), userID(r), id); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "message", "List deleted")
}

// ---- Contacts ----

func (h *BroadcastHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	contacts, err := h.lists.ListContacts(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "contacts", contacts)
}

// AddContacts accepts either {"contacts": [...]} or a single {"number", "name"}.
func (h *BroadcastHandler) AddContacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: read body", errs.ErrInvalidInput))
		return
	}

	var contacts []models.ContactInput
	if bytes.Contains(body, []byte(`"contacts"`)) {
		var req models.AddContactsRequest
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, h.log, err)
			return
		}
		contacts = req.Contacts
	} else {
		var one models.ContactInput
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := decodeJSON(r, &one); err != nil {
			writeError(w, h.log, err)
			return
		}
		contacts = []models.ContactInput{one}
	}

	res, err := h.lists.AddContacts(r.Context(), userID(r), id, contacts)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusCreated, "result", res)
}

func (h *BroadcastHandler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	cid, err := pathID(r, "cid")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req models.UpdateContactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.lists.UpdateContact(r.Context(), userID(r), id, cid, req.Name); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "message", "Contact updated")
}

func (h *BroadcastHandler) RemoveContact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	cid, err := pathID(r, "cid")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.lists.RemoveContact(r.Context(), userID(r), id, cid); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "message", "Contact removed")
}

func (h *BroadcastHandler) BulkRemoveContacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req models.BulkDeleteContactsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	n, err := h.lists.RemoveContacts(r.Context(), userID(r), id, req.ContactIDs)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "removed", n)
}

// ImportContacts reads a CSV from the "file" form field, or the raw body.
func (h *BroadcastHandler) ImportContacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, h.log, fmt.Errorf("%w: csv file is required in field \"file\"", errs.ErrInvalidInput))
			return
		}
		defer file.Close()
		src = file
	}

	res, err := h.lists.ImportCSV(r.Context(), userID(r), id, src)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "result", res)
}

func (h *BroadcastHandler) ExportContacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var buf bytes.Buffer
	if err := h.lists.ExportCSV(r.Context(), userID(r), id, &buf); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeCSV(w, fmt.Sprintf("contacts_list_%d.csv", id), buf.Bytes())
}

// ---- Campaigns ----

func (h *BroadcastHandler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var req models.StartCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	c, err := h.campaigns.StartCampaign(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusCreated, "campaign", c)
}

func (h *BroadcastHandler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req models.StartCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.ScheduledAt == nil {
		writeError(w, h.log, fmt.Errorf("%w: scheduled_at is required", errs.ErrInvalidInput))
		return
	}
	c, err := h.campaigns.ScheduleCampaign(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusCreated, "campaign", c)
}

func (h *BroadcastHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := h.campaigns.ListCampaigns(r.Context(), userID(r), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "campaigns", list)
}

func (h *BroadcastHandler) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.campaigns.Overview(r.Context(), userID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "overview", ov)
}

func (h *BroadcastHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	c, err := h.campaigns.GetCampaign(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "campaign", c)
}

func (h *BroadcastHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	stats, err := h.campaigns.Stats(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.ok(w, http.StatusOK, "stats", stats)
}

func (h *BroadcastHandler) Report(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	_, msgs, err := h.campaigns.Messages(r.Context(), userID(r), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var buf bytes.Buffer
	if err := broadcast.WriteReport(&buf, msgs); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeCSV(w, fmt.Sprintf("campaign_%d_report.csv", id), buf.Bytes())
}

// campaignAction runs a pause/resume/stop/delete style operation.
func (h *BroadcastHandler) campaignAction(op func(r *http.Request, userID, id uint) error, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		if err := op(r, userID(r), id); err != nil {
			writeError(w, h.log, err)
			return
		}
		h.ok(w, http.StatusOK, "message", message)
	}
}

func (h *BroadcastHandler) PauseCampaign() http.HandlerFunc {
	return h.campaignAction(func(r *http.Request, uid, id uint) error {
		return h.campaigns.PauseCampaign(r.Context(), uid, id)
	}, "Campaign paused")
}

func (h *BroadcastHandler) ResumeCampaign() http.HandlerFunc {
	return h.campaignAction(func(r *http.Request, uid, id uint) error {
		return h.campaigns.ResumeCampaign(r.Context(), uid, id)
	}, "Campaign resumed")
}

func (h *BroadcastHandler) StopCampaign() http.HandlerFunc {
	return h.campaignAction(func(r *http.Request, uid, id uint) error {
		return h.campaigns.StopCampaign(r.Context(), uid, id)
	}, "Campaign stopped")
}

func (h *BroadcastHandler) DeleteCampaign() http.HandlerFunc {
	return h.campaignAction(func(r *http.Request, uid, id uint) error {
		return h.campaigns.DeleteCampaign(r.Context(), uid, id)
	}, "Campaign deleted")
}

func writeCSV(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
