package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/notifier"
	"notifyd/internal/notifier/broadcast"
)

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ok, detail := h.health(r.Context())
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "detail": detail})
}

func (h *handler) createNotification(w http.ResponseWriter, r *http.Request) {
	var req notifier.Request
	if err := decode(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.queue.CreateAndEnqueue(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

type bulkBody struct {
	Name string `json:"name,omitempty"`
	broadcast.BulkRequest
}

type bulkAccepted struct {
	JobID string `json:"job_id"`
	Total int    `json:"total"`
	Error string `json:"error,omitempty"`
}

func (h *handler) createBulk(w http.ResponseWriter, r *http.Request) {
	var body bulkBody
	if err := decode(w, r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.bulk.NewJob(r.Context(), body.Name, body.BulkRequest)
	if id == "" {
		h.fail(w, r, err)
		return
	}
	st, _ := h.bulk.Status(id)
	if err != nil {
		// Notifications exist but the job was not queued; they stay pending.
		writeJSON(w, statusFor(err), bulkAccepted{JobID: id, Total: st.Total, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, bulkAccepted{JobID: id, Total: st.Total})
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	st, ok := h.bulk.Status(id)
	if !ok {
		h.fail(w, r, fmt.Errorf("job %s: %w", id, dispatch.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.users.GetUser(r.Context(), uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) putUser(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var u domain.User
	if err := decode(w, r, &u, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if u.ID != 0 && u.ID != uid {
		h.fail(w, r, fmt.Errorf("%w: body id %d does not match path", errBadRequest, u.ID))
		return
	}
	u.ID = uid
	if err := h.users.UpsertUser(r.Context(), u); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := dispatch.ListQuery{
		UserID: uid,
		Status: domain.Status(r.URL.Query().Get("status")),
		Type:   domain.Type(r.URL.Query().Get("type")),
	}
	if q.Unread, err = boolQuery(r, "unread"); err == nil {
		if q.Page, err = intQuery(r, "page", 1); err == nil {
			q.PerPage, err = intQuery(r, "per_page", 20)
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.inbox.List(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.inbox.MarkRead(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.inbox.MarkAllRead(r.Context(), uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (h *handler) getPreferences(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.inbox.Preferences(r.Context(), uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var patch domain.PreferencesPatch
	if err := decode(w, r, &patch, false); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.inbox.UpdatePreferences(r.Context(), uid, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) deliveries(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ds, err := h.inbox.DeliveryHistory(r.Context(), uid, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []domain.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

type testBody struct {
	Channels []domain.Channel `json:"channels,omitempty"`
}

type testResult struct {
	Notification domain.Notification     `json:"notification"`
	Results      []domain.DeliveryResult `json:"results"`
}

func (h *handler) sendTest(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body testBody
	if err := decode(w, r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}
	n, results, err := h.inbox.SendTest(r.Context(), uid, body.Channels)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if results == nil {
		results = []domain.DeliveryResult{}
	}
	writeJSON(w, http.StatusOK, testResult{Notification: n, Results: results})
}

func (h *handler) analytics(w http.ResponseWriter, r *http.Request) {
	uid, err := intQuery(r, "user_id", 0)
	if err == nil && uid < 0 {
		err = fmt.Errorf("%w: user_id must be >= 0", errBadRequest)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	days, err := intQuery(r, "days", 30)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.inbox.Analytics(r.Context(), int64(uid), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) types(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.inbox.Types())
}

func (h *handler) queueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}
