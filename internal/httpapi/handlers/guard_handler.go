package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/carelink/security-service/internal/events"
	"github.com/carelink/security-service/internal/guard"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GuardService describes the gate capabilities used by HTTP handlers.
type GuardService interface {
	Guard(ctx context.Context, in guard.Input) (*guard.Result, error)
}

// GuardHandler exposes the inbound event endpoint for the authentication flow.
type GuardHandler struct {
	service GuardService
	logger  *zap.Logger
}

// NewGuardHandler constructs a handler.
func NewGuardHandler(service GuardService, logger *zap.Logger) *GuardHandler {
	return &GuardHandler{service: service, logger: logger}
}

type guardRequest struct {
	EventType string         `json:"event_type"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	UserID    *uuid.UUID     `json:"user_id"`
	Email     string         `json:"email"`
	Details   map[string]any `json:"details"`
}

// Record gates and persists one security event. The source address and user
// agent fall back to transport metadata when the caller omits them.
func (h *GuardHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req guardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", nil)
		return
	}

	ipAddress := req.IPAddress
	if ipAddress == "" {
		ipAddress = clientIP(r)
	}
	agent := req.UserAgent
	if agent == "" {
		agent = userAgent(r)
	}

	result, err := h.service.Guard(r.Context(), guard.Input{
		EventType: req.EventType,
		IPAddress: ipAddress,
		UserAgent: agent,
		UserID:    req.UserID,
		Email:     req.Email,
		Details:   req.Details,
	})
	if err != nil {
		if errors.Is(err, events.ErrEventTypeRequired) {
			writeError(w, http.StatusBadRequest, "invalid_request", "event_type is required", nil)
			return
		}
		reqID := middleware.GetReqID(r.Context())
		h.logger.Error("guard handler error", zap.String("request_id", reqID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal server error", map[string]any{"request_id": reqID})
		return
	}

	if !result.Allowed {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "Access denied",
			"blocked": true,
		})
		return
	}

	response := map[string]any{"success": true}
	if result.AutoBlocked {
		response["warning"] = "IP has been temporarily blocked due to suspicious activity"
	}
	writeJSON(w, http.StatusOK, response)
}
