// Package handlers provides the desktop agent's REST API: queue
// operations, trigger sync, read status and review conflicts.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	syncpkg "github.com/kimhsiao/shelfcheck/internal/sync"
	"github.com/kimhsiao/shelfcheck/internal/sync/queue"
	"github.com/kimhsiao/shelfcheck/internal/sync/scheduler"
	"github.com/kimhsiao/shelfcheck/internal/uuid"
)

// WSSyncBroadcaster receives pass results for WebSocket clients.
type WSSyncBroadcaster interface {
	BroadcastSyncCompleted(summary *syncpkg.Summary)
	BroadcastSyncFailed(errorCode string, message string)
}

// NetworkNotifier accepts pushed connectivity changes.
type NetworkNotifier interface {
	Notify(online bool)
}

// Queue is the slice of the operation queue the handlers use.
type Queue interface {
	Enqueue(ctx context.Context, p models.Payload) (string, error)
	List(ctx context.Context, statuses ...models.OperationStatus) ([]*models.Operation, error)
	CachedEntities(ctx context.Context, includeDeleted bool) ([]*models.CachedEntity, error)
	RetryDead(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

var _ Queue = (*queue.Manager)(nil)

// SyncHandler serves the sync API.
type SyncHandler struct {
	queue   Queue
	coord   *scheduler.Coordinator
	network NetworkNotifier
	wsHub   WSSyncBroadcaster
}

// NewSyncHandler creates a new SyncHandler. network may be nil.
func NewSyncHandler(q Queue, coord *scheduler.Coordinator, network NetworkNotifier) *SyncHandler {
	return &SyncHandler{
		queue:   q,
		coord:   coord,
		network: network,
	}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting pass results.
func (h *SyncHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub
}

// Register mounts every route on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("POST /api/operations", h.Enqueue)
	mux.HandleFunc("GET /api/operations", h.ListOperations)
	mux.HandleFunc("POST /api/operations/retry-dead", h.RetryDead)
	mux.HandleFunc("GET /api/items", h.ListItems)
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("GET /api/sync/last", h.GetLastResult)
	mux.HandleFunc("GET /api/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", h.ResolveConflict)
	mux.HandleFunc("POST /api/network", h.SetNetwork)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an AppError code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrRemoteUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

// Health handles GET /api/health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "shelfcheck-desktop",
		"is_online": h.coord.IsOnline(),
	})
}

// =====================================================
// Operation Endpoints
// =====================================================

type enqueueRequest struct {
	Kind    models.OperationKind `json:"kind"`
	Payload json.RawMessage      `json:"payload"`
}

// Enqueue handles POST /api/operations
// Body: {"kind": "scan|create|update|delete", "payload": {...}}. A create
// without temp_id gets one generated.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, apperrors.New(apperrors.ErrValidation, "payload is required"))
		return
	}

	p, err := models.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid payload", err))
		return
	}

	tempID := ""
	if c, ok := p.(models.CreatePayload); ok {
		if c.TempID == "" {
			c.TempID = uuid.NewTemp()
		}
		tempID = c.TempID
		p = c
	}

	id, err := h.queue.Enqueue(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{"operation_id": id}
	if tempID != "" {
		response["temp_id"] = tempID
	}
	writeJSON(w, http.StatusCreated, response)
}

// ListOperations handles GET /api/operations?status=pending,failed
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	var statuses []models.OperationStatus
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, models.OperationStatus(part))
			}
		}
	}

	ops, err := h.queue.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// RetryDead handles POST /api/operations/retry-dead
func (h *SyncHandler) RetryDead(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.RetryDead(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// ListItems handles GET /api/items?all=true
// Returns the local cache including optimistic changes.
func (h *SyncHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.CachedEntities(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.CachedEntity{}
	}
	writeJSON(w, http.StatusOK, items)
}

// =====================================================
// Sync Endpoints
// =====================================================

// TriggerSync handles POST /api/sync
// Starts a pass in the background (202). With ?wait=true it runs the pass
// and returns its summary.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		summary, err := h.coord.SyncNow(r.Context())
		if err != nil {
			if h.wsHub != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
				h.wsHub.BroadcastSyncFailed(string(apperrors.CodeOf(err)), err.Error())
			}
			writeError(w, err)
			return
		}
		if h.wsHub != nil {
			h.wsHub.BroadcastSyncCompleted(summary)
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	// The pass outlives the request.
	if !h.coord.TriggerManualSync(context.WithoutCancel(r.Context())) {
		reason := "in_progress"
		if !h.coord.IsOnline() {
			reason = "offline"
		}
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"started": false,
			"reason":  reason,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.GetSummary(r.Context()))
}

// GetLastResult handles GET /api/sync/last
func (h *SyncHandler) GetLastResult(w http.ResponseWriter, r *http.Request) {
	summary, err := h.coord.LastResult()
	response := map[string]interface{}{"summary": summary}
	if err != nil {
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// =====================================================
// Conflict Endpoints
// =====================================================

// ListConflicts handles GET /api/conflicts?all=true
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.coord.ListConflicts(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.coord.ResolveConflict(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
}

// =====================================================
// Network Endpoint
// =====================================================

// SetNetwork handles POST /api/network
// Body: {"online": true}. The platform pushes connectivity changes here.
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrValidation, `body must be {"online": true|false}`))
		return
	}
	if h.network == nil {
		writeError(w, apperrors.New(apperrors.ErrInternal, "no network monitor"))
		return
	}

	h.network.Notify(*req.Online)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"online": *req.Online})
}
