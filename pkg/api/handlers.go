package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/relayops/actionqueue/pkg/queue"
	"github.com/relayops/actionqueue/pkg/store"
)

// ActionHandler exposes the producer surface over HTTP. All scheduling and
// execution stays behind the queue service; the handlers only translate
// requests and map domain errors onto status codes.
type ActionHandler struct {
	service *queue.Service
}

func NewActionHandler(service *queue.Service) *ActionHandler {
	return &ActionHandler{service: service}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var vErrs validator.ValidationErrors
	switch {
	case errors.As(err, &vErrs):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
	case errors.Is(err, store.ErrApprovalNotPending),
		errors.Is(err, store.ErrTerminalStatus):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *ActionHandler) CreateAction(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	a, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *ActionHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ActionHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{OwnerID: r.URL.Query().Get("owner_id")}

	for _, s := range r.URL.Query()["status"] {
		f.Statuses = append(f.Statuses, store.Status(s))
	}
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 && v <= 500 {
			f.Limit = v
		}
	}

	actions, err := h.service.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": actions})
}

func (h *ActionHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id required"})
		return
	}

	actions, err := h.service.PendingApprovals(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": actions})
}

type approvalRequest struct {
	Note string `json:"note"`
}

func (h *ActionHandler) ApproveAction(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, h.service.Approve)
}

func (h *ActionHandler) RejectAction(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, h.service.Reject)
}

func (h *ActionHandler) resolveApproval(w http.ResponseWriter, r *http.Request, resolve func(ctx context.Context, id, note string) error) {
	var req approvalRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	id := chi.URLParam(r, "id")
	if err := resolve(r.Context(), id, req.Note); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action_id": id})
}

func (h *ActionHandler) CancelAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action_id": id})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
