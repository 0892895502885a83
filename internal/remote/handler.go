package remote

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
)

// Handler serves a Store over the REST contract HTTPClient speaks.
type Handler struct {
	store Store
	mux   *http.ServeMux
}

// NewHandler creates a Handler over store.
func NewHandler(store Store) *Handler {
	h := &Handler{store: store, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /healthz", h.health)
	h.mux.HandleFunc("GET /items", h.getItems)
	h.mux.HandleFunc("POST /items", h.createItem)
	h.mux.HandleFunc("PATCH /items/{id}", h.updateItem)
	h.mux.HandleFunc("DELETE /items/{id}", h.deleteItem)
	h.mux.HandleFunc("POST /items/{id}/check", h.createCheck)
	h.mux.HandleFunc("DELETE /items/{id}/check", h.deleteCheck)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "item not found", http.StatusNotFound)
	case errors.Is(err, ErrAlreadyExists):
		http.Error(w, "item code already exists", http.StatusConflict)
	default:
		logging.Error("remote store call failed", err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getItems handles GET /items?code=X for a single item and GET /items for all.
func (h *Handler) getItems(w http.ResponseWriter, r *http.Request) {
	if code := r.URL.Query().Get("code"); code != "" {
		item, err := h.store.GetByCode(r.Context(), code)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}

	lister, ok := h.store.(Lister)
	if !ok {
		http.Error(w, "listing not supported", http.StatusNotImplemented)
		return
	}
	items, err := lister.List(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Code == "" || req.Name == "" {
		http.Error(w, "code and name are required", http.StatusBadRequest)
		return
	}

	id, err := h.store.Create(r.Context(), req)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var fields models.ItemFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.store.Update(r.Context(), r.PathValue("id"), fields); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createCheck(w http.ResponseWriter, r *http.Request) {
	var rec CheckRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rec.EntityID = r.PathValue("id")
	if err := h.store.CreateCheckRecord(r.Context(), rec); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) deleteCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteCheckRecord(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
