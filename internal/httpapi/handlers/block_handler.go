package handlers

import (
	"context"
	"errors"
	"net/http"

	authmiddleware "github.com/carelink/security-service/internal/httpapi/middleware"
	"github.com/carelink/security-service/internal/registry"
	"github.com/carelink/security-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegistryService describes the operator surface of the block registry.
type RegistryService interface {
	BlockAddress(ctx context.Context, in registry.BlockInput) (*store.BlockRecord, error)
	Unblock(ctx context.Context, id uuid.UUID) error
	DeleteBlock(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, activeOnly bool) ([]*store.BlockRecord, error)
}

// BlockHandler exposes administrative block management endpoints.
type BlockHandler struct {
	service RegistryService
	logger  *zap.Logger
}

// NewBlockHandler constructs a handler.
func NewBlockHandler(service RegistryService, logger *zap.Logger) *BlockHandler {
	return &BlockHandler{service: service, logger: logger}
}

type blockRequest struct {
	IPAddress     string `json:"ip_address"`
	Reason        string `json:"reason"`
	DurationHours int    `json:"duration_hours"`
}

// List returns registry records newest-first; ?active=true narrows to
// currently active records.
func (h *BlockHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	records, err := h.service.List(r.Context(), activeOnly)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if records == nil {
		records = []*store.BlockRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blocks": records,
		"count":  len(records),
	})
}

// Create installs or refreshes a manual block, attributed to the operator.
func (h *BlockHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", nil)
		return
	}

	record, err := h.service.BlockAddress(r.Context(), registry.BlockInput{
		Address:       req.IPAddress,
		Reason:        req.Reason,
		BlockedBy:     operatorID(r),
		DurationHours: req.DurationHours,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// Unblock deactivates a block while preserving its history.
func (h *BlockHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid block id", nil)
		return
	}
	if err := h.service.Unblock(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

// Delete removes a registry record entirely.
func (h *BlockHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid block id", nil)
		return
	}
	if err := h.service.DeleteBlock(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *BlockHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidAddress):
		writeError(w, http.StatusUnprocessableEntity, "invalid_address", "ip_address must be a valid IP", nil)
	case errors.Is(err, registry.ErrReasonRequired):
		writeError(w, http.StatusUnprocessableEntity, "reason_required", "reason is required", nil)
	case errors.Is(err, registry.ErrInvalidDuration):
		writeError(w, http.StatusUnprocessableEntity, "invalid_duration", "duration_hours must not be negative", nil)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "block record not found", nil)
	default:
		reqID := middleware.GetReqID(r.Context())
		h.logger.Error("block handler error", zap.String("request_id", reqID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal server error", map[string]any{"request_id": reqID})
	}
}

func operatorID(r *http.Request) *uuid.UUID {
	claims, ok := authmiddleware.ClaimsFromContext(r.Context())
	if !ok {
		return nil
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil
	}
	return &id
}
